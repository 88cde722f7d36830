// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config provides HCL topology configuration for the
// simulator: DIFs, IPCPs, applications, and the links between them.
package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/rinasim/internal/errors"
	"grimm.is/rinasim/internal/link"
	"grimm.is/rinasim/internal/logging"
)

// DefaultMaxBandwidth is assumed for DIF blocks that do not set one.
const DefaultMaxBandwidth = 1000

// Config is the root of a topology file.
type Config struct {
	Log          *logging.Config     `hcl:"log,block"`
	API          *APIConfig          `hcl:"api,block"`
	FlowDefaults *FlowDefaults       `hcl:"flow_defaults,block"`
	DIFs         []DIFConfig         `hcl:"dif,block"`
	IPCPs        []IPCPConfig        `hcl:"ipcp,block"`
	Applications []ApplicationConfig `hcl:"application,block"`
	Links        []LinkConfig        `hcl:"link,block"`
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	Listen string `hcl:"listen,optional"`
}

// FlowDefaults overrides the transport parameters of every flow.
type FlowDefaults struct {
	WindowSize           int `hcl:"window_size,optional"`
	TimeoutMs            int `hcl:"timeout_ms,optional"`
	RetransmitIntervalMs int `hcl:"retransmit_interval_ms,optional"`
}

// DIFConfig declares one DIF.
type DIFConfig struct {
	Name         string `hcl:"name,label"`
	Layer        uint8  `hcl:"layer,optional"`
	MaxBandwidth uint32 `hcl:"max_bandwidth,optional"`
	LowerDIF     string `hcl:"lower_dif,optional"`
}

// IPCPConfig declares one IPCP.
type IPCPConfig struct {
	Name  string `hcl:"name,label"`
	DIF   string `hcl:"dif"`
	Lower string `hcl:"lower,optional"`
}

// ApplicationConfig declares an application bound to a port.
type ApplicationConfig struct {
	Name string `hcl:"name,label"`
	IPCP string `hcl:"ipcp"`
	Port uint16 `hcl:"port"`
}

// LinkConfig declares an impaired link between two IPCPs. A profile
// gives the baseline; explicit attributes override it field by field.
// Links apply to the src->dst direction; Bidirectional installs the
// mirror image too.
type LinkConfig struct {
	Name          string `hcl:"name,label"`
	Src           string `hcl:"src"`
	Dst           string `hcl:"dst"`
	Bidirectional *bool  `hcl:"bidirectional,optional"`

	Profile string `hcl:"profile,optional"`

	LatencyMs      *uint32  `hcl:"latency_ms,optional"`
	JitterMs       *uint32  `hcl:"jitter_ms,optional"`
	PacketLossRate *float64 `hcl:"packet_loss_rate,optional"`
	BandwidthMbps  *float64 `hcl:"bandwidth_mbps,optional"`
	CorruptionRate *float64 `hcl:"corruption_rate,optional"`
	ReorderingRate *float64 `hcl:"reordering_rate,optional"`

	Seed int64 `hcl:"seed,optional"`
}

// IsBidirectional defaults to true.
func (l LinkConfig) IsBidirectional() bool {
	return l.Bidirectional == nil || *l.Bidirectional
}

// Conditions resolves the link's impairment settings.
func (l LinkConfig) Conditions() (link.Conditions, error) {
	var cond link.Conditions
	if l.Profile != "" {
		c, ok := link.Profile(l.Profile)
		if !ok {
			return cond, errors.Errorf(errors.KindValidation,
				"link %s references unknown profile %q", l.Name, l.Profile)
		}
		cond = c
	}
	if l.LatencyMs != nil {
		cond.LatencyMs = *l.LatencyMs
	}
	if l.JitterMs != nil {
		cond.JitterMs = *l.JitterMs
	}
	if l.PacketLossRate != nil {
		cond.PacketLossRate = *l.PacketLossRate
	}
	if l.BandwidthMbps != nil {
		cond.BandwidthMbps = *l.BandwidthMbps
	}
	if l.CorruptionRate != nil {
		cond.CorruptionRate = *l.CorruptionRate
	}
	if l.ReorderingRate != nil {
		cond.ReorderingRate = *l.ReorderingRate
	}
	if err := cond.Validate(); err != nil {
		return cond, errors.Wrapf(err, errors.KindValidation, "link %s", l.Name)
	}
	return cond, nil
}

// LoadFile parses and validates a topology file.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadBytes parses and validates topology source. The filename labels
// diagnostics, and its suffix (.hcl or .json) selects the syntax.
func LoadBytes(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.DIFs {
		if c.DIFs[i].MaxBandwidth == 0 {
			c.DIFs[i].MaxBandwidth = DefaultMaxBandwidth
		}
	}
}

// Validate cross-checks every reference in the topology.
func (c *Config) Validate() error {
	difs := map[string]DIFConfig{}
	for _, d := range c.DIFs {
		if _, dup := difs[d.Name]; dup {
			return errors.Errorf(errors.KindValidation, "duplicate dif %q", d.Name)
		}
		difs[d.Name] = d
	}
	for _, d := range c.DIFs {
		if d.LowerDIF == "" {
			continue
		}
		if d.LowerDIF == d.Name {
			return errors.Errorf(errors.KindValidation, "dif %q cannot be its own lower dif", d.Name)
		}
		if _, ok := difs[d.LowerDIF]; !ok {
			return errors.Errorf(errors.KindValidation,
				"dif %q references unknown lower dif %q", d.Name, d.LowerDIF)
		}
	}

	ipcps := map[string]IPCPConfig{}
	for _, ip := range c.IPCPs {
		if _, dup := ipcps[ip.Name]; dup {
			return errors.Errorf(errors.KindValidation, "duplicate ipcp %q", ip.Name)
		}
		ipcps[ip.Name] = ip
	}
	for _, ip := range c.IPCPs {
		d, ok := difs[ip.DIF]
		if !ok {
			return errors.Errorf(errors.KindValidation,
				"ipcp %q references unknown dif %q", ip.Name, ip.DIF)
		}
		if ip.Lower == "" {
			continue
		}
		lower, ok := ipcps[ip.Lower]
		if !ok {
			return errors.Errorf(errors.KindValidation,
				"ipcp %q references unknown lower ipcp %q", ip.Name, ip.Lower)
		}
		if d.LowerDIF == "" {
			return errors.Errorf(errors.KindValidation,
				"ipcp %q has a lower ipcp but dif %q has no lower dif", ip.Name, ip.DIF)
		}
		if lower.DIF != d.LowerDIF {
			return errors.Errorf(errors.KindValidation,
				"ipcp %q: lower ipcp %q lives in dif %q, expected %q",
				ip.Name, ip.Lower, lower.DIF, d.LowerDIF)
		}
	}

	apps := map[string]bool{}
	bound := map[string]bool{}
	for _, app := range c.Applications {
		if apps[app.Name] {
			return errors.Errorf(errors.KindValidation, "duplicate application %q", app.Name)
		}
		apps[app.Name] = true
		if _, ok := ipcps[app.IPCP]; !ok {
			return errors.Errorf(errors.KindValidation,
				"application %q references unknown ipcp %q", app.Name, app.IPCP)
		}
		if app.Port == 0 {
			return errors.Errorf(errors.KindValidation,
				"application %q: port must be non-zero", app.Name)
		}
		key := fmt.Sprintf("%s:%d", app.IPCP, app.Port)
		if bound[key] {
			return errors.Errorf(errors.KindValidation,
				"port %d on ipcp %q bound twice", app.Port, app.IPCP)
		}
		bound[key] = true
	}

	linkNames := map[string]bool{}
	for _, l := range c.Links {
		if linkNames[l.Name] {
			return errors.Errorf(errors.KindValidation, "duplicate link %q", l.Name)
		}
		linkNames[l.Name] = true
		if _, ok := ipcps[l.Src]; !ok {
			return errors.Errorf(errors.KindValidation,
				"link %q references unknown ipcp %q", l.Name, l.Src)
		}
		if _, ok := ipcps[l.Dst]; !ok {
			return errors.Errorf(errors.KindValidation,
				"link %q references unknown ipcp %q", l.Name, l.Dst)
		}
		if l.Src == l.Dst {
			return errors.Errorf(errors.KindValidation,
				"link %q connects ipcp %q to itself", l.Name, l.Src)
		}
		if _, err := l.Conditions(); err != nil {
			return err
		}
	}

	return nil
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"sync"

	"grimm.is/rinasim/internal/logging"
)

// DIF is a Distributed IPC Facility: a named, bandwidth-bounded
// resource domain at one layer. It owns its member IPCPs and performs
// bandwidth admission control for flows allocated inside it.
type DIF struct {
	name  string
	layer uint8
	lower *DIF

	mu           sync.Mutex
	maxBandwidth uint32
	allocated    uint32
	ipcps        map[string]*IPCP

	logger *logging.Logger
}

// DIFStatus is a point-in-time snapshot for monitoring.
type DIFStatus struct {
	Name               string   `json:"name"`
	Layer              uint8    `json:"layer"`
	MaxBandwidth       uint32   `json:"max_bandwidth"`
	AllocatedBandwidth uint32   `json:"allocated_bandwidth"`
	LowerDIF           string   `json:"lower_dif,omitempty"`
	IPCPs              []string `json:"ipcps"`
}

// NewDIF creates a DIF. lower may be nil for layer-0 DIFs.
func NewDIF(name string, layer uint8, maxBandwidth uint32, lower *DIF) *DIF {
	return &DIF{
		name:         name,
		layer:        layer,
		lower:        lower,
		maxBandwidth: maxBandwidth,
		ipcps:        make(map[string]*IPCP),
		logger:       logging.WithComponent("dif"),
	}
}

// Name returns the DIF name.
func (d *DIF) Name() string { return d.name }

// Layer returns the DIF layer.
func (d *DIF) Layer() uint8 { return d.layer }

// Lower returns the DIF one layer down, or nil.
func (d *DIF) Lower() *DIF { return d.lower }

// MaxBandwidth returns the admission ceiling in Mbps.
func (d *DIF) MaxBandwidth() uint32 { return d.maxBandwidth }

// AllocatedBandwidth returns the currently reserved bandwidth in Mbps.
func (d *DIF) AllocatedBandwidth() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// AddIPCP registers an IPCP as a member of this DIF.
func (d *DIF) AddIPCP(ip *IPCP) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ipcps[ip.ID()] = ip
}

// RemoveIPCP removes a member by id.
func (d *DIF) RemoveIPCP(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ipcps, id)
}

// GetIPCP looks up a member by id.
func (d *DIF) GetIPCP(id string) (*IPCP, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ip, ok := d.ipcps[id]
	return ip, ok
}

// IPCPs returns the current members.
func (d *DIF) IPCPs() []*IPCP {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*IPCP, 0, len(d.ipcps))
	for _, ip := range d.ipcps {
		out = append(out, ip)
	}
	return out
}

// AllocateBandwidth reserves b Mbps if the DIF has headroom. A nil b
// means no reservation is requested and always succeeds with no state
// change. The test-and-increment is atomic: concurrent callers cannot
// jointly exceed MaxBandwidth.
func (d *DIF) AllocateBandwidth(b *uint32) bool {
	if b == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allocated+*b > d.maxBandwidth {
		d.logger.Debug("bandwidth admission denied",
			"dif", d.name,
			"requested", *b,
			"available", d.maxBandwidth-d.allocated)
		return false
	}
	d.allocated += *b
	d.logger.Debug("bandwidth allocated",
		"dif", d.name,
		"allocated", d.allocated,
		"max", d.maxBandwidth)
	return true
}

// ReleaseBandwidth returns b Mbps to the pool, clamping at zero.
func (d *DIF) ReleaseBandwidth(b *uint32) {
	if b == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if *b > d.allocated {
		d.allocated = 0
	} else {
		d.allocated -= *b
	}
	d.logger.Debug("bandwidth released",
		"dif", d.name,
		"allocated", d.allocated,
		"max", d.maxBandwidth)
}

// Status returns a snapshot for monitoring.
func (d *DIF) Status() DIFStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := DIFStatus{
		Name:               d.name,
		Layer:              d.layer,
		MaxBandwidth:       d.maxBandwidth,
		AllocatedBandwidth: d.allocated,
		IPCPs:              make([]string, 0, len(d.ipcps)),
	}
	if d.lower != nil {
		st.LowerDIF = d.lower.name
	}
	for id := range d.ipcps {
		st.IPCPs = append(st.IPCPs, id)
	}
	return st
}

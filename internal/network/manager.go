// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package network assembles and manages a simulated RINA topology:
// DIFs, IPCPs, applications, and the (optionally impaired) links
// between them.
package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"grimm.is/rinasim/internal/config"
	"grimm.is/rinasim/internal/errors"
	"grimm.is/rinasim/internal/link"
	"grimm.is/rinasim/internal/logging"
	"grimm.is/rinasim/internal/rina"
)

const (
	// closedFlowTTL bounds how long statistics of torn-down flows stay
	// queryable.
	closedFlowTTL     = 5 * time.Minute
	closedFlowSweep   = time.Minute
	cleanupPerFlowMax = 2 * time.Second
)

// ClosedFlow retains the identity and final statistics of a
// deallocated flow.
type ClosedFlow struct {
	ID    string         `json:"id"`
	Src   string         `json:"src"`
	Dest  string         `json:"dest"`
	Port  uint16         `json:"port"`
	Stats rina.FlowStats `json:"stats"`
}

// Manager owns a topology and tears it down as a unit.
type Manager struct {
	mu    sync.Mutex
	difs  map[string]*rina.DIF
	ipcps map[string]*rina.IPCP
	apps  map[string]*rina.Application
	sims  map[string]*link.Simulator

	flowCfg rina.FlowConfig

	closedFlows *cache.Cache

	logger *logging.Logger
}

// NewManager creates an empty topology manager.
func NewManager() *Manager {
	return &Manager{
		difs:        make(map[string]*rina.DIF),
		ipcps:       make(map[string]*rina.IPCP),
		apps:        make(map[string]*rina.Application),
		sims:        make(map[string]*link.Simulator),
		closedFlows: cache.New(closedFlowTTL, closedFlowSweep),
		logger:      logging.WithComponent("network"),
	}
}

// SetFlowConfig applies transport parameters to every IPCP created
// from now on.
func (m *Manager) SetFlowConfig(cfg rina.FlowConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowCfg = cfg
}

// CreateDIF adds a DIF. lowerName may be empty for layer-0 DIFs.
func (m *Manager) CreateDIF(name string, layer uint8, maxBandwidth uint32, lowerName string) (*rina.DIF, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.difs[name]; dup {
		return nil, errors.Errorf(errors.KindConflict, "dif %q already exists", name)
	}
	var lower *rina.DIF
	if lowerName != "" {
		var ok bool
		lower, ok = m.difs[lowerName]
		if !ok {
			return nil, errors.Errorf(errors.KindNotFound, "lower dif %q not found", lowerName)
		}
	}
	d := rina.NewDIF(name, layer, maxBandwidth, lower)
	m.difs[name] = d
	m.logger.Info("dif created", "dif", name, "layer", layer, "max_bandwidth", maxBandwidth)
	return d, nil
}

// CreateIPCP adds an IPCP to an existing DIF. lowerID may name an
// already created IPCP one layer down.
func (m *Manager) CreateIPCP(id, difName, lowerID string) (*rina.IPCP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.ipcps[id]; dup {
		return nil, errors.Errorf(errors.KindConflict, "ipcp %q already exists", id)
	}
	d, ok := m.difs[difName]
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "dif %q not found", difName)
	}
	var lower *rina.IPCP
	if lowerID != "" {
		lower, ok = m.ipcps[lowerID]
		if !ok {
			return nil, errors.Errorf(errors.KindNotFound, "lower ipcp %q not found", lowerID)
		}
	}

	ip := rina.NewIPCP(id, d, lower)
	ip.SetFlowConfig(m.flowCfg)
	ip.SubscribeFlows(rina.FlowObserverFunc(m.recordClosedFlow))
	m.ipcps[id] = ip
	m.logger.Info("ipcp created", "ipcp", id, "dif", difName, "lower", lowerID)
	return ip, nil
}

// CreateApplication adds an application on an IPCP, binding it when
// port is non-zero.
func (m *Manager) CreateApplication(name, ipcpID string, port uint16) (*rina.Application, error) {
	m.mu.Lock()
	ip, ok := m.ipcps[ipcpID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.Errorf(errors.KindNotFound, "ipcp %q not found", ipcpID)
	}
	if _, dup := m.apps[name]; dup {
		m.mu.Unlock()
		return nil, errors.Errorf(errors.KindConflict, "application %q already exists", name)
	}
	m.mu.Unlock()

	app := rina.NewApplication(name, ip)
	if port != 0 {
		if err := app.Bind(port); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.apps[name] = app
	m.mu.Unlock()
	m.logger.Info("application created", "app", name, "ipcp", ipcpID, "port", port)
	return app, nil
}

// Connect enrolls two IPCPs and installs an impairment simulator on
// the src->dst direction (and, when bidirectional, the reverse).
func (m *Manager) Connect(srcID, dstID string, cond link.Conditions, seed int64, bidirectional bool) error {
	if err := cond.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	src, ok := m.ipcps[srcID]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "ipcp %q not found", srcID)
	}
	dst, ok := m.ipcps[dstID]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "ipcp %q not found", dstID)
	}
	m.mu.Unlock()

	src.Enroll(dst)

	m.installSim(src, dst, cond, seed)
	if bidirectional {
		m.installSim(dst, src, cond, seed)
	}
	return nil
}

func (m *Manager) installSim(src, dst *rina.IPCP, cond link.Conditions, seed int64) {
	key := fmt.Sprintf("%s->%s", src.ID(), dst.ID())

	m.mu.Lock()
	if old, ok := m.sims[key]; ok {
		old.Stop()
	}
	sim := link.NewSimulator(cond, seed)
	m.sims[key] = sim
	m.mu.Unlock()

	sim.Start()
	src.SetLink(dst.ID(), sim)
	m.logger.Info("link installed",
		"src", src.ID(),
		"dst", dst.ID(),
		"latency_ms", cond.LatencyMs,
		"loss", cond.PacketLossRate)
}

// SetConditions replaces the impairments on an existing direction.
func (m *Manager) SetConditions(srcID, dstID string, cond link.Conditions, seed int64) error {
	if err := cond.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	src, ok := m.ipcps[srcID]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "ipcp %q not found", srcID)
	}
	dst, ok := m.ipcps[dstID]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf(errors.KindNotFound, "ipcp %q not found", dstID)
	}
	m.mu.Unlock()

	m.installSim(src, dst, cond, seed)
	return nil
}

// DIF looks up a DIF by name.
func (m *Manager) DIF(name string) (*rina.DIF, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.difs[name]
	return d, ok
}

// IPCP looks up an IPCP by id.
func (m *Manager) IPCP(id string) (*rina.IPCP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, ok := m.ipcps[id]
	return ip, ok
}

// Application looks up an application by name.
func (m *Manager) Application(name string) (*rina.Application, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[name]
	return app, ok
}

// DIFs returns every DIF in the topology.
func (m *Manager) DIFs() []*rina.DIF {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*rina.DIF, 0, len(m.difs))
	for _, d := range m.difs {
		out = append(out, d)
	}
	return out
}

// IPCPs returns every IPCP in the topology.
func (m *Manager) IPCPs() []*rina.IPCP {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*rina.IPCP, 0, len(m.ipcps))
	for _, ip := range m.ipcps {
		out = append(out, ip)
	}
	return out
}

// Flows returns every live flow, deduplicated across the mirrored
// endpoint tables.
func (m *Manager) Flows() []*rina.Flow {
	seen := make(map[string]bool)
	var out []*rina.Flow
	for _, ip := range m.IPCPs() {
		for _, f := range ip.Flows() {
			if !seen[f.ID()] {
				seen[f.ID()] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// Flow finds one live flow by id.
func (m *Manager) Flow(id string) (*rina.Flow, bool) {
	for _, ip := range m.IPCPs() {
		if f, ok := ip.GetFlow(id); ok {
			return f, true
		}
	}
	return nil, false
}

func (m *Manager) recordClosedFlow(f *rina.Flow) {
	m.closedFlows.SetDefault(f.ID(), ClosedFlow{
		ID:    f.ID(),
		Src:   f.Src().ID(),
		Dest:  f.Dest().ID(),
		Port:  f.Port(),
		Stats: f.Stats(),
	})
}

// ClosedFlows returns recently deallocated flows still in the
// retention window.
func (m *Manager) ClosedFlows() []ClosedFlow {
	items := m.closedFlows.Items()
	out := make([]ClosedFlow, 0, len(items))
	for _, it := range items {
		if cf, ok := it.Object.(ClosedFlow); ok {
			out = append(out, cf)
		}
	}
	return out
}

// LinkStats returns the impairment counters per installed direction.
func (m *Manager) LinkStats() map[string]link.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]link.Stats, len(m.sims))
	for key, sim := range m.sims {
		out[key] = sim.Stats()
	}
	return out
}

// BuildFromConfig populates the topology from a validated config.
// DIFs are created lowest layer first and IPCPs lower-first so
// references always resolve.
func (m *Manager) BuildFromConfig(cfg *config.Config) error {
	if cfg.FlowDefaults != nil {
		m.SetFlowConfig(rina.FlowConfig{
			WindowSize:         cfg.FlowDefaults.WindowSize,
			Timeout:            time.Duration(cfg.FlowDefaults.TimeoutMs) * time.Millisecond,
			RetransmitInterval: time.Duration(cfg.FlowDefaults.RetransmitIntervalMs) * time.Millisecond,
		})
	}

	// DIFs: repeat passes until every lower reference resolves.
	pending := append([]config.DIFConfig(nil), cfg.DIFs...)
	for len(pending) > 0 {
		var next []config.DIFConfig
		progressed := false
		for _, dc := range pending {
			if dc.LowerDIF != "" {
				if _, ok := m.DIF(dc.LowerDIF); !ok {
					next = append(next, dc)
					continue
				}
			}
			if _, err := m.CreateDIF(dc.Name, dc.Layer, dc.MaxBandwidth, dc.LowerDIF); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return errors.Errorf(errors.KindValidation,
				"dif dependency cycle involving %q", next[0].Name)
		}
		pending = next
	}

	// IPCPs, lower-first.
	pendingIPCPs := append([]config.IPCPConfig(nil), cfg.IPCPs...)
	for len(pendingIPCPs) > 0 {
		var next []config.IPCPConfig
		progressed := false
		for _, ic := range pendingIPCPs {
			if ic.Lower != "" {
				if _, ok := m.IPCP(ic.Lower); !ok {
					next = append(next, ic)
					continue
				}
			}
			if _, err := m.CreateIPCP(ic.Name, ic.DIF, ic.Lower); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return errors.Errorf(errors.KindValidation,
				"ipcp dependency cycle involving %q", next[0].Name)
		}
		pendingIPCPs = next
	}

	for _, ac := range cfg.Applications {
		if _, err := m.CreateApplication(ac.Name, ac.IPCP, ac.Port); err != nil {
			return err
		}
	}

	for _, lc := range cfg.Links {
		cond, err := lc.Conditions()
		if err != nil {
			return err
		}
		if err := m.Connect(lc.Src, lc.Dst, cond, lc.Seed, lc.IsBidirectional()); err != nil {
			return err
		}
	}

	return nil
}

// Cleanup deallocates every flow best-effort (bounded per flow), stops
// the link simulators, and shuts the IPCPs down.
func (m *Manager) Cleanup(ctx context.Context) {
	for _, f := range m.Flows() {
		fl := f
		done := make(chan struct{})
		go func() {
			fl.Src().DeallocateFlow(fl.ID())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cleanupPerFlowMax):
			m.logger.Warn("flow deallocation timed out during cleanup", "flow_id", fl.ID())
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	sims := make([]*link.Simulator, 0, len(m.sims))
	for _, s := range m.sims {
		sims = append(sims, s)
	}
	m.sims = make(map[string]*link.Simulator)
	m.mu.Unlock()
	for _, s := range sims {
		s.Stop()
	}

	for _, ip := range m.IPCPs() {
		ip.Shutdown(ctx)
	}
	m.logger.Info("topology cleaned up")
}

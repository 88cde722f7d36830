// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/rinasim/internal/errors"
	"grimm.is/rinasim/internal/logging"
)

const (
	// deliveryTimeout bounds the application upcall so a slow consumer
	// cannot stall the receive loop.
	deliveryTimeout = 500 * time.Millisecond

	rxQueueDepth = 4096
)

// AppEndpoint is the delivery target bound to a port.
type AppEndpoint interface {
	Name() string
	OnData(data []byte)
}

// Link transports an encoded frame from one IPCP to another. An
// implementation may delay, drop, duplicate, reorder, or corrupt
// frames; delivery happens by calling dst.DeliverFrame.
type Link interface {
	SendFrame(src, dst *IPCP, flowID string, frame []byte)
}

type inboundFrame struct {
	flowID string
	raw    []byte
}

// IPCP is an IPC Process: an endpoint within one DIF. It owns the
// flows it participates in (as source or destination), binds local
// applications to ports, and performs allocation, send, receive,
// encapsulation, and demultiplexing.
//
// Inbound frames are processed on a single receive loop per IPCP, the
// process's logical scheduler.
type IPCP struct {
	id string

	dif   *DIF
	lower *IPCP

	mu        sync.Mutex
	higher    *IPCP
	neighbors map[string]*IPCP
	portMap   map[uint16]AppEndpoint
	flows     map[string]*Flow
	links     map[string]Link
	observers []FrameObserver
	flowObs   []FlowObserver
	flowCfg   FlowConfig

	rx        chan inboundFrame
	done      chan struct{}
	closeOnce sync.Once

	logger *logging.Logger
}

// NewIPCP creates an IPCP, registers it in its DIF, and, when a lower
// IPCP is given, installs the upward back-reference used for demux.
func NewIPCP(id string, dif *DIF, lower *IPCP) *IPCP {
	ip := &IPCP{
		id:        id,
		dif:       dif,
		lower:     lower,
		neighbors: make(map[string]*IPCP),
		portMap:   make(map[uint16]AppEndpoint),
		flows:     make(map[string]*Flow),
		links:     make(map[string]Link),
		rx:        make(chan inboundFrame, rxQueueDepth),
		done:      make(chan struct{}),
		logger:    logging.WithComponent("ipcp"),
	}
	if dif != nil {
		dif.AddIPCP(ip)
	}
	if lower != nil {
		lower.setHigher(ip)
	}
	go ip.rxLoop()
	return ip
}

// ID returns the IPCP id.
func (ip *IPCP) ID() string { return ip.id }

// DIF returns the containing DIF.
func (ip *IPCP) DIF() *DIF { return ip.dif }

// Lower returns the IPCP providing this one's underlying transport.
func (ip *IPCP) Lower() *IPCP { return ip.lower }

// Higher returns the IPCP using this one as its transport, or nil.
func (ip *IPCP) Higher() *IPCP {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.higher
}

func (ip *IPCP) setHigher(h *IPCP) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.higher = h
}

// SetFlowConfig overrides transport parameters for flows this IPCP
// allocates from now on.
func (ip *IPCP) SetFlowConfig(cfg FlowConfig) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.flowCfg = cfg
}

// Enroll symmetrically registers this IPCP and the peer as neighbors.
func (ip *IPCP) Enroll(peer *IPCP) {
	if peer == nil || peer == ip {
		return
	}
	ip.mu.Lock()
	ip.neighbors[peer.id] = peer
	ip.mu.Unlock()

	peer.mu.Lock()
	peer.neighbors[ip.id] = ip
	peer.mu.Unlock()

	ip.logger.Info("enrolled", "ipcp", ip.id, "neighbor", peer.id)
}

// Neighbors returns the ids of enrolled neighbors.
func (ip *IPCP) Neighbors() []string {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	out := make([]string, 0, len(ip.neighbors))
	for id := range ip.neighbors {
		out = append(out, id)
	}
	return out
}

// SetLink installs a link adapter for frames addressed to the given
// peer. Without one, frames are handed to the peer directly.
func (ip *IPCP) SetLink(peerID string, l Link) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if l == nil {
		delete(ip.links, peerID)
		return
	}
	ip.links[peerID] = l
}

func (ip *IPCP) linkFor(peerID string) Link {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.links[peerID]
}

// SubscribeFrames registers an observer for frame events at this IPCP.
func (ip *IPCP) SubscribeFrames(o FrameObserver) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.observers = append(ip.observers, o)
}

func (ip *IPCP) frameObservers() []FrameObserver {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	out := make([]FrameObserver, len(ip.observers))
	copy(out, ip.observers)
	return out
}

// SubscribeFlows registers an observer for flow lifecycle events.
func (ip *IPCP) SubscribeFlows(o FlowObserver) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.flowObs = append(ip.flowObs, o)
}

func (ip *IPCP) notifyFlowClosed(f *Flow) {
	ip.mu.Lock()
	obs := make([]FlowObserver, len(ip.flowObs))
	copy(obs, ip.flowObs)
	ip.mu.Unlock()
	for _, o := range obs {
		o.OnFlowClosed(f)
	}
}

// Ports returns the ports with bound applications.
func (ip *IPCP) Ports() []uint16 {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	out := make([]uint16, 0, len(ip.portMap))
	for p := range ip.portMap {
		out = append(out, p)
	}
	return out
}

// GetFlow looks up a flow this IPCP participates in.
func (ip *IPCP) GetFlow(id string) (*Flow, bool) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	f, ok := ip.flows[id]
	return f, ok
}

// Flows returns the flows this IPCP currently participates in.
func (ip *IPCP) Flows() []*Flow {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	out := make([]*Flow, 0, len(ip.flows))
	for _, f := range ip.flows {
		out = append(out, f)
	}
	return out
}

// registerFlow inserts the flow into both endpoints' tables in one
// critical section so the mirrored registration appears atomic.
func registerFlow(f *Flow) {
	a, b := f.src, f.dest
	if a == b {
		a.mu.Lock()
		a.flows[f.id] = f
		a.mu.Unlock()
		return
	}
	if a.id > b.id {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	f.src.flows[f.id] = f
	f.dest.flows[f.id] = f
	b.mu.Unlock()
	a.mu.Unlock()
}

// unregisterFlow removes the flow from both tables in one critical
// section. It reports whether this call found (and removed) the entry,
// which is what makes concurrent deallocation yield exactly one true.
func unregisterFlow(f *Flow) bool {
	a, b := f.src, f.dest
	if a == b {
		a.mu.Lock()
		_, present := a.flows[f.id]
		delete(a.flows, f.id)
		a.mu.Unlock()
		return present
	}
	if a.id > b.id {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	_, present := f.src.flows[f.id]
	delete(f.src.flows, f.id)
	delete(f.dest.flows, f.id)
	b.mu.Unlock()
	a.mu.Unlock()
	return present
}

// AllocateFlow negotiates a new flow to the destination IPCP on the
// given port. It registers the flow on both endpoints, validates the
// QoS against the source DIF, drives the allocation FSM, and commits
// resources (bandwidth in both DIFs and, recursively, a carrying flow
// one layer down). Every failure rolls back completely: no partial
// state survives.
func (ip *IPCP) AllocateFlow(dest *IPCP, port uint16, qos *QoS) (string, error) {
	if dest == nil {
		return "", errors.New(errors.KindValidation, "destination IPCP is nil")
	}

	flowID := uuid.NewString()

	ip.mu.Lock()
	cfg := ip.flowCfg
	ip.mu.Unlock()

	f := newFlow(flowID, ip, dest, port, qos, cfg)
	registerFlow(f)

	// Validation: fail fast when the source DIF obviously lacks the
	// headroom. The authoritative check is the atomic commit below.
	if qos != nil && qos.Bandwidth != nil {
		avail := ip.dif.MaxBandwidth() - ip.dif.AllocatedBandwidth()
		if *qos.Bandwidth > avail {
			unregisterFlow(f)
			return "", errors.Errorf(errors.KindAdmission,
				"insufficient bandwidth in DIF %s: requested %d, available %d",
				ip.dif.Name(), *qos.Bandwidth, avail)
		}
	}

	// Request handling: simplified unconditional acceptance at the peer.

	if err := f.fsm.StartAllocation(); err != nil {
		unregisterFlow(f)
		return "", err
	}

	if err := f.commitResources(); err != nil {
		f.fsm.Deallocate() // release is a no-op: nothing was reserved
		unregisterFlow(f)
		ip.logger.Warn("flow allocation failed",
			"flow_id", flowID,
			"src", ip.id,
			"dest", dest.id,
			"error", err)
		return "", err
	}

	ip.logger.Info("flow allocated",
		"flow_id", flowID,
		"src", ip.id,
		"dest", dest.id,
		"port", port)
	return flowID, nil
}

// DeallocateFlow tears a flow down: the FSM releases resources exactly
// once (retransmission task, bandwidth in both DIFs, the carrying
// lower-layer flow), then the flow is removed from both endpoints'
// tables. It returns false for an unknown flow, and under concurrent
// calls exactly one caller gets true.
func (ip *IPCP) DeallocateFlow(flowID string) bool {
	f, ok := ip.GetFlow(flowID)
	if !ok {
		return false
	}

	f.fsm.Deallocate()
	removed := unregisterFlow(f)
	if removed {
		ip.logger.Info("flow deallocated", "flow_id", flowID, "ipcp", ip.id)
		f.src.notifyFlowClosed(f)
		if f.dest != f.src {
			f.dest.notifyFlowClosed(f)
		}
	}
	return removed
}

// SendData sends one payload over an allocated flow, applying the
// flow's window discipline. It returns the assigned sequence number.
func (ip *IPCP) SendData(flowID string, data []byte) (uint16, error) {
	f, ok := ip.GetFlow(flowID)
	if !ok {
		return 0, errors.Errorf(errors.KindNotFound, "unknown flow %s", flowID)
	}
	return f.SendData(data)
}

// transmitFrame hands an encoded frame to the link adapter installed
// for the peer, or to the peer directly when none is installed.
func (ip *IPCP) transmitFrame(dst *IPCP, flowID string, raw []byte) {
	if l := ip.linkFor(dst.id); l != nil {
		l.SendFrame(ip, dst, flowID, raw)
		return
	}
	dst.DeliverFrame(flowID, raw)
}

// DeliverFrame is the entry point for link adapters: it queues one
// encoded frame for this IPCP's receive loop.
func (ip *IPCP) DeliverFrame(flowID string, raw []byte) {
	select {
	case ip.rx <- inboundFrame{flowID: flowID, raw: raw}:
	case <-ip.done:
	}
}

func (ip *IPCP) rxLoop() {
	for {
		select {
		case <-ip.done:
			return
		case in := <-ip.rx:
			fr, err := DecodeFrame(in.raw)
			if err != nil {
				ip.logger.Warn("dropping malformed frame",
					"ipcp", ip.id,
					"flow_id", in.flowID,
					"error", err)
				continue
			}
			ip.ReceiveData(fr, in.flowID)
		}
	}
}

// ReceiveData processes one decoded frame addressed to the given flow.
// Encapsulated frames are forwarded upward when a higher IPCP exists;
// at the terminal layer they are unwrapped once. Everything else is
// handed to the flow.
func (ip *IPCP) ReceiveData(fr *Frame, flowID string) {
	if fr == nil {
		return
	}
	if fr.Encapsulated() {
		if h := ip.Higher(); h != nil {
			h.ReceiveData(fr.Payload, fr.Header.FlowID)
			return
		}
		fr = fr.Payload
	}

	f, ok := ip.GetFlow(flowID)
	if !ok {
		ip.logger.Warn("frame for unknown flow", "ipcp", ip.id, "flow_id", flowID)
		return
	}
	f.receiveFrame(fr, ip)
}

// dispatchUpward routes an in-order delivered payload: when this IPCP
// carries a higher layer and the payload is an encapsulation envelope,
// it continues upward; otherwise it reaches the bound application.
func (ip *IPCP) dispatchUpward(port uint16, data []byte) {
	if h := ip.Higher(); h != nil {
		if env, err := DecodeFrame(data); err == nil && env.Encapsulated() {
			h.ReceiveData(env.Payload, env.Header.FlowID)
			return
		}
	}
	ip.DeliverToApplication(port, data)
}

// DeliverToApplication performs the upcall to the application bound at
// the port. The upcall is bounded: a slow or blocked application is
// logged and the payload counts as delivered.
func (ip *IPCP) DeliverToApplication(port uint16, data []byte) {
	ip.mu.Lock()
	app := ip.portMap[port]
	ip.mu.Unlock()

	if app == nil {
		ip.logger.Warn("no application bound", "ipcp", ip.id, "port", port)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				ip.logger.Error("application upcall panicked",
					"ipcp", ip.id,
					"port", port,
					"app", app.Name(),
					"panic", r)
			}
		}()
		app.OnData(data)
	}()

	select {
	case <-done:
	case <-time.After(deliveryTimeout):
		ip.logger.Warn("application upcall timed out",
			"ipcp", ip.id,
			"port", port,
			"app", app.Name())
	}
}

// bindApplication registers an application at a port. One application
// per port: a second bind to an occupied port fails.
func (ip *IPCP) bindApplication(port uint16, app AppEndpoint) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	if existing, ok := ip.portMap[port]; ok {
		return errors.Errorf(errors.KindConflict,
			"port %d on IPCP %s already bound to %s", port, ip.id, existing.Name())
	}
	ip.portMap[port] = app
	return nil
}

// unbindApplication releases a port binding.
func (ip *IPCP) unbindApplication(port uint16) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	delete(ip.portMap, port)
}

// Shutdown deallocates this IPCP's flows best-effort (bounded per
// flow) and stops the receive loop.
func (ip *IPCP) Shutdown(ctx context.Context) {
	for _, f := range ip.Flows() {
		fl := f
		done := make(chan struct{})
		go func() {
			ip.DeallocateFlow(fl.ID())
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			ip.logger.Warn("flow deallocation timed out during shutdown",
				"ipcp", ip.id,
				"flow_id", fl.ID())
		case <-ctx.Done():
		}
	}
	ip.closeOnce.Do(func() { close(ip.done) })
}

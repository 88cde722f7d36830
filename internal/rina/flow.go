// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/rinasim/internal/clock"
	"grimm.is/rinasim/internal/errors"
	"grimm.is/rinasim/internal/logging"
)

// Flow defaults. The retransmission timeout is fixed (no backoff) so
// that loss-recovery behavior is deterministic under test.
const (
	DefaultWindowSize         = 16
	DefaultFlowTimeout        = 2 * time.Second
	DefaultRetransmitInterval = 100 * time.Millisecond
)

// FlowConfig tunes the transport parameters of flows created by an
// IPCP. Zero values fall back to the defaults above.
type FlowConfig struct {
	WindowSize         int
	Timeout            time.Duration
	RetransmitInterval time.Duration
}

func (c FlowConfig) withDefaults() FlowConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultFlowTimeout
	}
	if c.RetransmitInterval <= 0 {
		c.RetransmitInterval = DefaultRetransmitInterval
	}
	return c
}

// FlowStats is a point-in-time snapshot of per-flow statistics.
// Received counts only in-order deliveries to the application side.
type FlowStats struct {
	Sent          uint64    `json:"sent_packets"`
	Received      uint64    `json:"received_packets"`
	Acked         uint64    `json:"ack_packets"`
	Retransmitted uint64    `json:"retransmitted_packets"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

type pendingPacket struct {
	data   []byte
	sentAt time.Time
}

// Flow is one reliable, ordered, unidirectional channel between two
// IPCPs. The sender side runs a sliding window with cumulative ACKs
// and timeout-driven retransmission; the receiver side reorders via an
// out-of-order buffer and delivers in sequence.
//
// One Flow value is shared by both endpoints and registered under the
// same id in both IPCPs' flow tables. Data frames are processed on the
// receive loop that serves the destination side and ACK frames on the
// one that serves the source side (at a recursed layer, the lower
// IPCP's loop), so each direction's handler runs serialized.
type Flow struct {
	id   string
	src  *IPCP
	dest *IPCP
	port uint16
	qos  *QoS

	fsm *AllocationFSM

	windowSize         int
	timeout            time.Duration
	retransmitInterval time.Duration

	seq *SequenceNumber

	// mu is the window guard: it protects the send window, the receive
	// window, resource-commit flags, and the timestamps below.
	mu          sync.Mutex
	sendBase    uint16
	nextSeq     uint16
	recvBase    uint16
	unacked     map[uint16]*pendingPacket
	oooBuffer   map[uint16][]byte
	lowerFlowID string

	srcReserved  bool
	destReserved bool

	startTime time.Time
	endTime   time.Time

	// ackArrived wakes senders blocked on a full window.
	ackArrived chan struct{}

	retransmitCancel context.CancelFunc
	retransmitDone   chan struct{}

	sent          atomic.Uint64
	received      atomic.Uint64
	acked         atomic.Uint64
	retransmitted atomic.Uint64

	obsMu     sync.Mutex
	observers []FrameObserver

	logger *logging.Logger
}

func newFlow(id string, src, dest *IPCP, port uint16, qos *QoS, cfg FlowConfig) *Flow {
	cfg = cfg.withDefaults()
	f := &Flow{
		id:                 id,
		src:                src,
		dest:               dest,
		port:               port,
		qos:                qos,
		windowSize:         cfg.WindowSize,
		timeout:            cfg.Timeout,
		retransmitInterval: cfg.RetransmitInterval,
		seq:                NewSequenceNumber(),
		unacked:            make(map[uint16]*pendingPacket),
		oooBuffer:          make(map[uint16][]byte),
		ackArrived:         make(chan struct{}, 1),
		logger:             logging.WithComponent("flow"),
	}
	f.fsm = newAllocationFSM(f)
	return f
}

// ID returns the network-wide unique flow id.
func (f *Flow) ID() string { return f.id }

// Src returns the source IPCP.
func (f *Flow) Src() *IPCP { return f.src }

// Dest returns the destination IPCP.
func (f *Flow) Dest() *IPCP { return f.dest }

// Port returns the destination application port.
func (f *Flow) Port() uint16 { return f.port }

// QoS returns the flow's QoS descriptor, or nil.
func (f *Flow) QoS() *QoS { return f.qos }

// State returns the flow's lifecycle state.
func (f *Flow) State() FlowState { return f.fsm.State() }

// FSM exposes the allocation state machine.
func (f *Flow) FSM() *AllocationFSM { return f.fsm }

// WindowSize returns the send-window size.
func (f *Flow) WindowSize() int { return f.windowSize }

// LowerFlowID returns the id of the carrying lower-layer flow, or "".
func (f *Flow) LowerFlowID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lowerFlowID
}

// InFlight returns the number of unacknowledged packets.
func (f *Flow) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unacked)
}

// BufferedOutOfOrder returns the number of packets parked in the
// receiver's out-of-order buffer.
func (f *Flow) BufferedOutOfOrder() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.oooBuffer)
}

// Stats returns a snapshot of the flow statistics.
func (f *Flow) Stats() FlowStats {
	f.mu.Lock()
	start, end := f.startTime, f.endTime
	f.mu.Unlock()
	return FlowStats{
		Sent:          f.sent.Load(),
		Received:      f.received.Load(),
		Acked:         f.acked.Load(),
		Retransmitted: f.retransmitted.Load(),
		StartTime:     start,
		EndTime:       end,
	}
}

// Subscribe registers an observer for this flow's frame events.
func (f *Flow) Subscribe(o FrameObserver) {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *Flow) notifyFrame(dir FrameDirection, at *IPCP, fr *Frame, size int) {
	f.obsMu.Lock()
	obs := make([]FrameObserver, len(f.observers))
	copy(obs, f.observers)
	f.obsMu.Unlock()
	obs = append(obs, at.frameObservers()...)
	if len(obs) == 0 {
		return
	}
	ev := FrameEvent{
		Direction: dir,
		FlowID:    f.id,
		IPCP:      at.ID(),
		SeqNum:    fr.SeqNum,
		Ack:       fr.IsAck,
		Size:      size,
		Time:      clock.Now(),
	}
	if fr.IsAck {
		ev.SeqNum = fr.AckSeqNum
	}
	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("frame observer panicked", "flow_id", f.id, "panic", r)
				}
			}()
			o.OnFrame(ev)
		}()
	}
}

// SendData sends one payload with window flow control. It blocks while
// the send window is full, waking on ACK arrival (or after the flow
// timeout, to re-check). It returns the sequence number assigned to
// the payload.
func (f *Flow) SendData(data []byte) (uint16, error) {
	if st := f.fsm.State(); st != StateActive {
		return 0, errors.Errorf(errors.KindInvalidState,
			"flow %s not active (state %s)", f.id, st)
	}

	f.mu.Lock()
	for len(f.unacked) >= f.windowSize {
		f.mu.Unlock()
		select {
		case <-f.ackArrived:
		case <-time.After(f.timeout):
			// Re-check; retransmission keeps the window moving.
		}
		if st := f.fsm.State(); st != StateActive {
			return 0, errors.Errorf(errors.KindInvalidState,
				"flow %s closed while waiting for window space", f.id)
		}
		f.mu.Lock()
	}
	seqn := f.seq.Next()
	f.nextSeq = seqn + 1
	f.unacked[seqn] = &pendingPacket{data: data, sentAt: clock.Now()}
	f.mu.Unlock()

	f.sent.Add(1)
	f.transmit(&Frame{SeqNum: seqn, Data: data})
	return seqn, nil
}

// transmit emits one frame toward the destination, encapsulating it
// over the lower-layer flow when one exists.
func (f *Flow) transmit(fr *Frame) {
	f.mu.Lock()
	lowerID := f.lowerFlowID
	f.mu.Unlock()

	if lowerID != "" && f.src.Lower() != nil {
		env := fr.Encapsulate(f.id, f.qos)
		raw, err := EncodeFrame(env)
		if err != nil {
			f.logger.Error("encode failed", "flow_id", f.id, "error", err)
			return
		}
		f.notifyFrame(FrameSent, f.src, fr, len(raw))
		if _, err := f.src.Lower().SendData(lowerID, raw); err != nil {
			f.logger.Warn("lower-layer send failed",
				"flow_id", f.id,
				"lower_flow_id", lowerID,
				"error", err)
		}
		return
	}

	raw, err := EncodeFrame(fr)
	if err != nil {
		f.logger.Error("encode failed", "flow_id", f.id, "error", err)
		return
	}
	f.notifyFrame(FrameSent, f.src, fr, len(raw))
	f.src.transmitFrame(f.dest, f.id, raw)
}

// receiveFrame dispatches one decoded frame arriving at the given
// endpoint: ACKs at the source, data at the destination.
func (f *Flow) receiveFrame(fr *Frame, at *IPCP) {
	f.notifyFrame(FrameReceived, at, fr, len(fr.Data))
	if fr.IsAck {
		f.handleAck(fr)
		return
	}
	f.handleData(fr)
}

// handleAck removes every in-flight packet cumulatively covered by the
// ACK and advances the send base. Stale ACKs (outside the send window)
// remove nothing but still wake blocked senders.
func (f *Flow) handleAck(fr *Frame) {
	f.acked.Add(1)

	f.mu.Lock()
	d := seqDistance(f.sendBase, fr.AckSeqNum)
	if d < f.windowSize {
		for seqn := range f.unacked {
			if seqDistance(f.sendBase, seqn) <= d {
				delete(f.unacked, seqn)
			}
		}
		if len(f.unacked) == 0 {
			f.sendBase = f.nextSeq
		} else {
			base := f.sendBase
			newBase := f.nextSeq
			best := MaxSeq
			for seqn := range f.unacked {
				if dd := seqDistance(base, seqn); dd < best {
					best = dd
					newBase = seqn
				}
			}
			f.sendBase = newBase
		}
	}
	f.mu.Unlock()

	select {
	case f.ackArrived <- struct{}{}:
	default:
	}
}

// handleData delivers in-order payloads, buffers in-window out-of-order
// ones, drops the rest, and always answers with a cumulative ACK for
// the last in-order sequence delivered.
func (f *Flow) handleData(fr *Frame) {
	var deliveries [][]byte

	f.mu.Lock()
	switch {
	case fr.SeqNum == f.recvBase:
		deliveries = append(deliveries, fr.Data)
		f.recvBase++
		for {
			data, ok := f.oooBuffer[f.recvBase]
			if !ok {
				break
			}
			delete(f.oooBuffer, f.recvBase)
			deliveries = append(deliveries, data)
			f.recvBase++
		}
	case InWindow(fr.SeqNum, f.recvBase, f.windowSize):
		f.oooBuffer[fr.SeqNum] = fr.Data
	default:
		// Out of window: a duplicate of something already delivered.
	}
	ackSeq := f.recvBase - 1
	f.mu.Unlock()

	for _, data := range deliveries {
		f.received.Add(1)
		f.dest.dispatchUpward(f.port, data)
	}

	f.sendAck(&Frame{IsAck: true, AckSeqNum: ackSeq})
}

// sendAck transmits a cumulative ACK back toward the sender. At a
// recursed layer the ACK travels encapsulated over the link between
// the lower IPCPs, outside the lower flow's own reliability; at layer
// 0 it goes straight to the source IPCP. Lost ACKs are recovered by
// data retransmission.
func (f *Flow) sendAck(ack *Frame) {
	f.mu.Lock()
	lowerID := f.lowerFlowID
	f.mu.Unlock()

	if lowerID != "" && f.dest.Lower() != nil && f.src.Lower() != nil {
		env := ack.Encapsulate(f.id, f.qos)
		raw, err := EncodeFrame(env)
		if err != nil {
			f.logger.Error("ack encode failed", "flow_id", f.id, "error", err)
			return
		}
		f.notifyFrame(FrameSent, f.dest, ack, len(raw))
		f.dest.Lower().transmitFrame(f.src.Lower(), lowerID, raw)
		return
	}

	raw, err := EncodeFrame(ack)
	if err != nil {
		f.logger.Error("ack encode failed", "flow_id", f.id, "error", err)
		return
	}
	f.notifyFrame(FrameSent, f.dest, ack, len(raw))
	f.dest.transmitFrame(f.src, f.id, raw)
}

// commitResources reserves bandwidth in the source DIF (and the
// destination DIF when distinct), recursively allocates a carrying
// flow one layer down when the source IPCP has a lower IPCP, and
// starts the retransmission task. Every partial success is rolled
// back on failure.
func (f *Flow) commitResources() error {
	var srcRes, destRes bool

	rollbackBandwidth := func() {
		if srcRes {
			f.src.DIF().ReleaseBandwidth(f.qos.Bandwidth)
		}
		if destRes {
			f.dest.DIF().ReleaseBandwidth(f.qos.Bandwidth)
		}
	}

	if f.qos != nil && f.qos.Bandwidth != nil {
		if !f.src.DIF().AllocateBandwidth(f.qos.Bandwidth) {
			return errors.Errorf(errors.KindAdmission,
				"DIF %s cannot admit %d Mbps", f.src.DIF().Name(), *f.qos.Bandwidth)
		}
		srcRes = true
		if f.dest.DIF() != f.src.DIF() {
			if !f.dest.DIF().AllocateBandwidth(f.qos.Bandwidth) {
				rollbackBandwidth()
				return errors.Errorf(errors.KindAdmission,
					"DIF %s cannot admit %d Mbps", f.dest.DIF().Name(), *f.qos.Bandwidth)
			}
			destRes = true
		}
	}

	var lowerID string
	if f.src.Lower() != nil {
		if f.dest.Lower() == nil {
			rollbackBandwidth()
			return errors.Errorf(errors.KindValidation,
				"destination IPCP %s has no lower IPCP to carry flow %s",
				f.dest.ID(), f.id)
		}
		id, err := f.src.Lower().AllocateFlow(f.dest.Lower(), f.port, f.qos)
		if err != nil {
			rollbackBandwidth()
			return errors.Wrapf(err, errors.GetKind(err),
				"lower-layer allocation failed for flow %s", f.id)
		}
		lowerID = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	f.mu.Lock()
	f.srcReserved = srcRes
	f.destReserved = destRes
	f.lowerFlowID = lowerID
	f.startTime = clock.Now()
	f.retransmitCancel = cancel
	f.retransmitDone = done
	f.mu.Unlock()

	go f.retransmissionLoop(ctx, done)
	return nil
}

// releaseResources is the inverse of commitResources. It is invoked
// exactly once by the FSM and only returns what commit actually
// reserved, so deallocating a flow in any state is safe.
func (f *Flow) releaseResources() {
	f.mu.Lock()
	cancel := f.retransmitCancel
	done := f.retransmitDone
	f.retransmitCancel = nil
	f.retransmitDone = nil
	srcRes, destRes := f.srcReserved, f.destReserved
	f.srcReserved, f.destReserved = false, false
	lowerID := f.lowerFlowID
	f.lowerFlowID = ""
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			// The task can be parked inside a lower-layer send; it will
			// observe cancellation at its next suspension point.
			f.logger.Warn("retransmission task slow to exit", "flow_id", f.id)
		}
	}

	if srcRes {
		f.src.DIF().ReleaseBandwidth(f.qos.Bandwidth)
	}
	if destRes {
		f.dest.DIF().ReleaseBandwidth(f.qos.Bandwidth)
	}

	if lowerID != "" && f.src.Lower() != nil {
		f.src.Lower().DeallocateFlow(lowerID)
	}

	f.mu.Lock()
	f.endTime = clock.Now()
	f.mu.Unlock()

	// Wake any sender parked on a full window so it can observe the
	// closed state instead of waiting out its timeout.
	select {
	case f.ackArrived <- struct{}{}:
	default:
	}
}

// retransmissionLoop rescans the in-flight set every retransmit
// interval and re-sends every packet older than the flow timeout with
// its original sequence number. The recorded send time is deliberately
// NOT updated, so successive timeouts fire deterministically until the
// packet is acknowledged.
func (f *Flow) retransmissionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(f.retransmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.retransmitExpired(ctx)
		}
	}
}

func (f *Flow) retransmitExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("retransmission task panicked", "flow_id", f.id, "panic", r)
		}
	}()

	now := clock.Now()
	var expired []*Frame

	f.mu.Lock()
	base := f.sendBase
	for seqn, p := range f.unacked {
		if now.Sub(p.sentAt) > f.timeout {
			expired = append(expired, &Frame{SeqNum: seqn, Data: p.data})
		}
	}
	f.mu.Unlock()

	// Oldest first, in modular order from the send base.
	sort.Slice(expired, func(i, j int) bool {
		return seqDistance(base, expired[i].SeqNum) < seqDistance(base, expired[j].SeqNum)
	})

	for _, fr := range expired {
		if ctx.Err() != nil {
			return
		}
		f.retransmitted.Add(1)
		f.logger.Debug("retransmitting", "flow_id", f.id, "seq", fr.SeqNum)
		f.transmit(fr)
	}
}

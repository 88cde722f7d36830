// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package link implements the link adapter between IPCPs: a queueing
// simulator that can impair delivery with latency, jitter, loss,
// corruption, reordering, and bandwidth shaping. The flow transport is
// expected to tolerate all of it.
package link

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/rinasim/internal/errors"
	"grimm.is/rinasim/internal/logging"
	"grimm.is/rinasim/internal/rina"
)

// Conditions configures the impairments applied to every frame.
type Conditions struct {
	LatencyMs      uint32  `json:"latency_ms"`
	JitterMs       uint32  `json:"jitter_ms"`
	PacketLossRate float64 `json:"packet_loss_rate"`
	BandwidthMbps  float64 `json:"bandwidth_mbps,omitempty"` // 0 = unshaped
	CorruptionRate float64 `json:"corruption_rate"`
	ReorderingRate float64 `json:"reordering_rate"`
}

// Validate checks the probability fields and the bandwidth cap.
func (c Conditions) Validate() error {
	for name, rate := range map[string]float64{
		"packet_loss_rate": c.PacketLossRate,
		"corruption_rate":  c.CorruptionRate,
		"reordering_rate":  c.ReorderingRate,
	} {
		if rate < 0 || rate > 1 {
			return errors.Errorf(errors.KindValidation,
				"%s must be in [0, 1], got %g", name, rate)
		}
	}
	if c.BandwidthMbps < 0 {
		return errors.Errorf(errors.KindValidation,
			"bandwidth_mbps must not be negative (0 = unshaped), got %g", c.BandwidthMbps)
	}
	return nil
}

// Stats counts what the simulator did to the traffic.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Corrupted uint64 `json:"corrupted"`
	Reordered uint64 `json:"reordered"`
}

type queuedFrame struct {
	dst    *rina.IPCP
	flowID string
	raw    []byte
}

// Simulator is a rina.Link that forwards frames through an impairment
// queue. Frames on the normal path are delayed inline, which preserves
// their relative order; reordered frames are dispatched concurrently
// with half the delay, producing order inversions.
type Simulator struct {
	cond Conditions

	queue     chan queuedFrame
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	startTime time.Time
	bytesSent int64

	delivered atomic.Uint64
	dropped   atomic.Uint64
	corrupted atomic.Uint64
	reordered atomic.Uint64

	logger *logging.Logger
}

// NewSimulator creates a link simulator. A zero seed draws one from
// the current time; tests pass a fixed seed for reproducible runs.
func NewSimulator(cond Conditions, seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cond:   cond,
		queue:  make(chan queuedFrame, 4096),
		done:   make(chan struct{}),
		rng:    rand.New(rand.NewSource(seed)),
		logger: logging.WithComponent("link"),
	}
}

// Conditions returns the configured impairments.
func (s *Simulator) Conditions() Conditions { return s.cond }

// Stats returns a snapshot of the impairment counters.
func (s *Simulator) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Corrupted: s.corrupted.Load(),
		Reordered: s.reordered.Load(),
	}
}

// Start launches the queue processor.
func (s *Simulator) Start() {
	s.startOnce.Do(func() {
		s.startTime = time.Now()
		s.wg.Add(1)
		go s.processQueue()
	})
}

// Stop drains nothing and stops delivering. In-flight delayed frames
// are abandoned.
func (s *Simulator) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// SendFrame implements rina.Link.
func (s *Simulator) SendFrame(src, dst *rina.IPCP, flowID string, frame []byte) {
	select {
	case s.queue <- queuedFrame{dst: dst, flowID: flowID, raw: frame}:
	case <-s.done:
	}
}

func (s *Simulator) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) randInt(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func (s *Simulator) processQueue() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case qf := <-s.queue:
			s.processFrame(qf)
		}
	}
}

func (s *Simulator) processFrame(qf queuedFrame) {
	// Bandwidth shaping: hold frames so the cumulative rate stays
	// under the cap.
	if s.cond.BandwidthMbps > 0 {
		s.bytesSent += int64(len(qf.raw))
		elapsed := time.Since(s.startTime).Seconds()
		expected := float64(s.bytesSent*8) / (s.cond.BandwidthMbps * 1e6)
		if expected > elapsed {
			if !s.sleep(time.Duration((expected - elapsed) * float64(time.Second))) {
				return
			}
		}
	}

	if s.cond.PacketLossRate > 0 && s.roll() < s.cond.PacketLossRate {
		s.dropped.Add(1)
		s.logger.Debug("frame dropped", "flow_id", qf.flowID, "dst", qf.dst.ID())
		return
	}

	raw := qf.raw
	if s.cond.CorruptionRate > 0 && s.roll() < s.cond.CorruptionRate && len(raw) > 0 {
		corrupted := make([]byte, len(raw))
		copy(corrupted, raw)
		pos := s.randInt(len(corrupted))
		corrupted[pos] ^= byte(1 + s.randInt(255))
		raw = corrupted
		s.corrupted.Add(1)
	}

	latency := time.Duration(s.cond.LatencyMs) * time.Millisecond
	if s.cond.JitterMs > 0 {
		jitter := time.Duration((s.roll()*2 - 1) * float64(s.cond.JitterMs) * float64(time.Millisecond))
		latency += jitter
		if latency < 0 {
			latency = 0
		}
	}

	if s.cond.ReorderingRate > 0 && s.roll() < s.cond.ReorderingRate {
		// Dispatch out of band with half the delay so a later frame
		// can overtake earlier ones.
		s.reordered.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deliverAfter(latency/2, qf.dst, qf.flowID, raw)
		}()
		return
	}

	s.deliverAfter(latency, qf.dst, qf.flowID, raw)
}

// sleep waits for d unless the simulator stops first.
func (s *Simulator) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.done:
		return false
	}
}

func (s *Simulator) deliverAfter(d time.Duration, dst *rina.IPCP, flowID string, raw []byte) {
	if !s.sleep(d) {
		return
	}
	dst.DeliverFrame(flowID, raw)
	s.delivered.Add(1)
}

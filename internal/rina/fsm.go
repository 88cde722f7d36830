// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"sync"
	"time"

	"grimm.is/rinasim/internal/errors"
	"grimm.is/rinasim/internal/logging"
)

// FlowState is the lifecycle state of a flow allocation.
type FlowState int32

const (
	StateInitialized FlowState = iota
	StateRequestSent
	// StateAllocated is reserved for implementations that split peer
	// acceptance from activation; the simplified acceptance used here
	// goes straight to StateActive.
	StateAllocated
	StateActive
	StateDeallocating
	StateClosed
)

func (s FlowState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRequestSent:
		return "request_sent"
	case StateAllocated:
		return "allocated"
	case StateActive:
		return "active"
	case StateDeallocating:
		return "deallocating"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

const (
	defaultAllocationTimeout = 5 * time.Second
	maxAllocationRetries     = 3
)

// AllocationFSM drives the lifecycle of one flow. Deallocate is
// idempotent and calls the flow's resource release exactly once.
type AllocationFSM struct {
	mu      sync.Mutex
	flow    *Flow
	state   FlowState
	timer   *time.Timer
	retries int

	allocationTimeout time.Duration

	// autoConfirm models the simplified unconditional acceptance at the
	// peer. Tests disable it to exercise the timeout path.
	autoConfirm bool

	logger *logging.Logger
}

func newAllocationFSM(f *Flow) *AllocationFSM {
	return &AllocationFSM{
		flow:              f,
		state:             StateInitialized,
		allocationTimeout: defaultAllocationTimeout,
		autoConfirm:       true,
		logger:            logging.WithComponent("fsm"),
	}
}

// State returns the current lifecycle state.
func (m *AllocationFSM) State() FlowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartAllocation issues the allocation request and arms the
// allocation timeout. With the simplified acceptance model the peer
// confirms immediately.
func (m *AllocationFSM) StartAllocation() error {
	m.mu.Lock()
	if m.state != StateInitialized && m.state != StateRequestSent {
		st := m.state
		m.mu.Unlock()
		return errors.Errorf(errors.KindInvalidState,
			"start_allocation not legal in state %s", st)
	}
	m.state = StateRequestSent
	m.armTimeout()
	confirm := m.autoConfirm
	m.mu.Unlock()

	if confirm {
		m.ConfirmAllocation()
	}
	return nil
}

// ConfirmAllocation cancels the allocation timeout and activates the
// flow. A confirmation in any state other than REQUEST_SENT is ignored.
func (m *AllocationFSM) ConfirmAllocation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRequestSent {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state = StateActive
}

// armTimeout (re)schedules the allocation timeout. Caller holds mu.
func (m *AllocationFSM) armTimeout() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.allocationTimeout, m.onTimeout)
}

func (m *AllocationFSM) onTimeout() {
	m.mu.Lock()
	if m.state != StateRequestSent {
		m.mu.Unlock()
		return
	}
	if m.retries < maxAllocationRetries {
		m.retries++
		m.logger.Warn("allocation timed out, retrying",
			"flow_id", m.flow.ID(),
			"attempt", m.retries)
		m.armTimeout()
		confirm := m.autoConfirm
		m.mu.Unlock()
		if confirm {
			m.ConfirmAllocation()
		}
		return
	}
	m.mu.Unlock()

	m.logger.Error("allocation retries exhausted, deallocating",
		"flow_id", m.flow.ID())
	m.Deallocate()
}

// Retries returns how many allocation timeouts re-armed the request.
// The timeout that exhausts the retries is not counted.
func (m *AllocationFSM) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Deallocate transitions the flow to DEALLOCATING, releases its
// resources, and closes it. It is a no-op once the flow is already
// DEALLOCATING or CLOSED; the return value reports whether this call
// performed the release.
func (m *AllocationFSM) Deallocate() bool {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateDeallocating {
		m.mu.Unlock()
		return false
	}
	m.state = StateDeallocating
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.flow.releaseResources()

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	return true
}

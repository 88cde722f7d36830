// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rinasim/internal/errors"
)

func newIdleFlow(t *testing.T) (*Flow, func()) {
	t.Helper()
	d := NewDIF("d0", 0, 1000, nil)
	a := NewIPCP("a", d, nil)
	b := NewIPCP("b", d, nil)
	f := newFlow("f-test", a, b, 5000, nil, fastFlowConfig())
	return f, func() { shutdownIPCPs(a, b) }
}

func TestFSMHappyPath(t *testing.T) {
	f, cleanup := newIdleFlow(t)
	defer cleanup()

	assert.Equal(t, StateInitialized, f.fsm.State())
	require.NoError(t, f.fsm.StartAllocation())
	assert.Equal(t, StateActive, f.fsm.State())
}

func TestFSMStartAllocationIllegalState(t *testing.T) {
	f, cleanup := newIdleFlow(t)
	defer cleanup()

	require.NoError(t, f.fsm.StartAllocation())
	err := f.fsm.StartAllocation()
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidState, errors.GetKind(err))
}

func TestFSMTimeoutRetriesThenDeallocates(t *testing.T) {
	f, cleanup := newIdleFlow(t)
	defer cleanup()

	// Disable the simplified acceptance so the request never confirms.
	f.fsm.autoConfirm = false
	f.fsm.allocationTimeout = 10 * time.Millisecond

	require.NoError(t, f.fsm.StartAllocation())
	assert.Equal(t, StateRequestSent, f.fsm.State())

	assert.Eventually(t, func() bool {
		return f.fsm.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond, "FSM should exhaust retries and close")
	assert.Equal(t, maxAllocationRetries, f.fsm.Retries())
}

func TestFSMConfirmCancelsTimeout(t *testing.T) {
	f, cleanup := newIdleFlow(t)
	defer cleanup()

	f.fsm.autoConfirm = false
	f.fsm.allocationTimeout = 20 * time.Millisecond

	require.NoError(t, f.fsm.StartAllocation())
	f.fsm.ConfirmAllocation()
	assert.Equal(t, StateActive, f.fsm.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateActive, f.fsm.State(), "timeout must not fire after confirmation")
	assert.Equal(t, 0, f.fsm.Retries())
}

func TestFSMDeallocateIdempotent(t *testing.T) {
	f, cleanup := newIdleFlow(t)
	defer cleanup()

	require.NoError(t, f.fsm.StartAllocation())
	assert.True(t, f.fsm.Deallocate())
	assert.Equal(t, StateClosed, f.fsm.State())
	assert.False(t, f.fsm.Deallocate(), "second deallocate is a no-op")
	assert.Equal(t, StateClosed, f.fsm.State())
}

func TestFSMDeallocateFromInitialized(t *testing.T) {
	f, cleanup := newIdleFlow(t)
	defer cleanup()

	// Release must be safe even though nothing was committed.
	assert.True(t, f.fsm.Deallocate())
	assert.Equal(t, StateClosed, f.fsm.State())
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rinasim/internal/errors"
)

func TestBindRejectsOccupiedPort(t *testing.T) {
	d := NewDIF("d0", 0, 1000, nil)
	a := NewIPCP("a", d, nil)
	defer shutdownIPCPs(a)

	app1 := NewApplication("one", a)
	app2 := NewApplication("two", a)

	require.NoError(t, app1.Bind(5000))
	err := app2.Bind(5000)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	// A different port is fine.
	require.NoError(t, app2.Bind(5001))
}

func TestBindTwiceSameApplication(t *testing.T) {
	d := NewDIF("d0", 0, 1000, nil)
	a := NewIPCP("a", d, nil)
	defer shutdownIPCPs(a)

	app := NewApplication("one", a)
	require.NoError(t, app.Bind(5000))
	require.Error(t, app.Bind(5001), "an application binds exactly one port")
}

func TestUnbindFreesPort(t *testing.T) {
	d := NewDIF("d0", 0, 1000, nil)
	a := NewIPCP("a", d, nil)
	defer shutdownIPCPs(a)

	app1 := NewApplication("one", a)
	require.NoError(t, app1.Bind(5000))
	app1.Unbind()

	app2 := NewApplication("two", a)
	require.NoError(t, app2.Bind(5000))
}

func TestApplicationSendUsesActiveFlow(t *testing.T) {
	_, a, b, appA, appB := newTestPair(1000, 5000)
	defer shutdownIPCPs(a, b)

	// No flows yet.
	err := appA.Send([]byte("nope"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	_, err = a.AllocateFlow(b, 5000, nil)
	require.NoError(t, err)

	require.NoError(t, appA.Send([]byte("ping")))
	assert.Eventually(t, func() bool {
		return appB.ReceivedCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendReliableAllocatesOnce(t *testing.T) {
	_, a, b, appA, appB := newTestPair(1000, 5000)
	defer shutdownIPCPs(a, b)

	require.NoError(t, appA.SendReliable(appB, []byte("first"), nil, 3))
	require.Len(t, a.Flows(), 1)

	// A second send reuses the matching flow.
	require.NoError(t, appA.SendReliable(appB, []byte("second"), nil, 3))
	assert.Len(t, a.Flows(), 1)

	assert.Eventually(t, func() bool {
		return appB.ReceivedCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendReliableFailsAfterRetries(t *testing.T) {
	old := allocationRetryDelay
	allocationRetryDelay = 5 * time.Millisecond
	defer func() { allocationRetryDelay = old }()

	_, a, b, appA, appB := newTestPair(10, 5000)
	defer shutdownIPCPs(a, b)

	err := appA.SendReliable(appB, []byte("too big"), BandwidthQoS(100), 3)
	require.Error(t, err)
	assert.Equal(t, errors.KindAdmission, errors.GetKind(err))
	assert.Empty(t, a.Flows())
}

func TestOnDataHandlerPanicsIsolated(t *testing.T) {
	_, a, b, _, appB := newTestPair(1000, 5000)
	defer shutdownIPCPs(a, b)

	appB.SetHandler(func(data []byte) {
		panic("application bug")
	})

	id, err := a.AllocateFlow(b, 5000, nil)
	require.NoError(t, err)
	_, err = a.SendData(id, []byte("boom"))
	require.NoError(t, err)

	// The panic is caught at the upcall boundary; the payload still
	// counts as delivered and the flow stays healthy.
	assert.Eventually(t, func() bool {
		return appB.ReceivedCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	appB.SetHandler(nil)
	_, err = a.SendData(id, []byte("after"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return appB.ReceivedCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rinasim/internal/config"
	"grimm.is/rinasim/internal/link"
	"grimm.is/rinasim/internal/rina"
)

func fastManager() *Manager {
	m := NewManager()
	m.SetFlowConfig(rina.FlowConfig{
		WindowSize:         8,
		Timeout:            100 * time.Millisecond,
		RetransmitInterval: 25 * time.Millisecond,
	})
	return m
}

func TestManagerProgrammaticTopology(t *testing.T) {
	m := fastManager()
	defer m.Cleanup(context.Background())

	_, err := m.CreateDIF("d0", 0, 1000, "")
	require.NoError(t, err)
	_, err = m.CreateIPCP("a", "d0", "")
	require.NoError(t, err)
	_, err = m.CreateIPCP("b", "d0", "")
	require.NoError(t, err)
	require.NoError(t, m.Connect("a", "b", link.Conditions{}, 1, true))

	_, err = m.CreateApplication("sender", "a", 5000)
	require.NoError(t, err)
	recv, err := m.CreateApplication("receiver", "b", 5000)
	require.NoError(t, err)

	a, _ := m.IPCP("a")
	b, _ := m.IPCP("b")
	id, err := a.AllocateFlow(b, 5000, nil)
	require.NoError(t, err)

	_, err = a.SendData(id, []byte("through the manager"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return recv.ReceivedCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Len(t, m.Flows(), 1)
	_, ok := m.Flow(id)
	assert.True(t, ok)
}

func TestManagerDuplicateAndMissingRefs(t *testing.T) {
	m := fastManager()
	defer m.Cleanup(context.Background())

	_, err := m.CreateDIF("d0", 0, 1000, "")
	require.NoError(t, err)
	_, err = m.CreateDIF("d0", 0, 1000, "")
	assert.Error(t, err)

	_, err = m.CreateIPCP("a", "ghost", "")
	assert.Error(t, err)

	_, err = m.CreateIPCP("a", "d0", "ghost")
	assert.Error(t, err)

	_, err = m.CreateApplication("x", "ghost", 1)
	assert.Error(t, err)

	assert.Error(t, m.Connect("ghost", "also-ghost", link.Conditions{}, 0, true))
}

func TestManagerBuildFromConfig(t *testing.T) {
	src := `
flow_defaults {
  window_size            = 8
  timeout_ms             = 100
  retransmit_interval_ms = 25
}

dif "backbone" {
  layer         = 0
  max_bandwidth = 1000
}

dif "overlay" {
  layer     = 1
  lower_dif = "backbone"
}

ipcp "a0" { dif = "backbone" }
ipcp "b0" { dif = "backbone" }

ipcp "a1" {
  dif   = "overlay"
  lower = "a0"
}

ipcp "b1" {
  dif   = "overlay"
  lower = "b0"
}

application "sender" {
  ipcp = "a1"
  port = 5000
}

application "receiver" {
  ipcp = "b1"
  port = 5000
}

link "wire" {
  src  = "a0"
  dst  = "b0"
  seed = 11
}
`
	cfg, err := config.LoadBytes("topo.hcl", []byte(src))
	require.NoError(t, err)

	m := NewManager()
	defer m.Cleanup(context.Background())
	require.NoError(t, m.BuildFromConfig(cfg))

	// The recursive layering is wired: sending over the overlay flows
	// through the backbone link and up the far side.
	a1, ok := m.IPCP("a1")
	require.True(t, ok)
	b1, ok := m.IPCP("b1")
	require.True(t, ok)
	recv, ok := m.Application("receiver")
	require.True(t, ok)

	id, err := a1.AllocateFlow(b1, 5000, rina.BandwidthQoS(10))
	require.NoError(t, err)

	d0, _ := m.DIF("backbone")
	d1, _ := m.DIF("overlay")
	assert.Equal(t, uint32(10), d0.AllocatedBandwidth())
	assert.Equal(t, uint32(10), d1.AllocatedBandwidth())

	_, err = a1.SendData(id, []byte("configured"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return recv.ReceivedCount() == 1
	}, 5*time.Second, 5*time.Millisecond)

	stats := m.LinkStats()
	assert.Contains(t, stats, "a0->b0")
	assert.Contains(t, stats, "b0->a0")
}

func TestManagerClosedFlowRetention(t *testing.T) {
	m := fastManager()
	defer m.Cleanup(context.Background())

	_, err := m.CreateDIF("d0", 0, 1000, "")
	require.NoError(t, err)
	a, err := m.CreateIPCP("a", "d0", "")
	require.NoError(t, err)
	b, err := m.CreateIPCP("b", "d0", "")
	require.NoError(t, err)
	a.Enroll(b)
	_, err = m.CreateApplication("recv", "b", 5000)
	require.NoError(t, err)

	id, err := a.AllocateFlow(b, 5000, nil)
	require.NoError(t, err)
	_, err = a.SendData(id, []byte("bye"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		f, ok := m.Flow(id)
		return ok && f.Stats().Received == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, a.DeallocateFlow(id))

	closed := m.ClosedFlows()
	require.Len(t, closed, 1)
	assert.Equal(t, id, closed[0].ID)
	assert.Equal(t, "a", closed[0].Src)
	assert.Equal(t, "b", closed[0].Dest)
	assert.Equal(t, uint64(1), closed[0].Stats.Sent)
	assert.Empty(t, m.Flows())
}

func TestManagerCleanupTearsEverythingDown(t *testing.T) {
	m := fastManager()

	_, err := m.CreateDIF("d0", 0, 100, "")
	require.NoError(t, err)
	a, err := m.CreateIPCP("a", "d0", "")
	require.NoError(t, err)
	b, err := m.CreateIPCP("b", "d0", "")
	require.NoError(t, err)
	require.NoError(t, m.Connect("a", "b", link.Conditions{}, 1, true))
	_, err = m.CreateApplication("recv", "b", 5000)
	require.NoError(t, err)

	_, err = a.AllocateFlow(b, 5000, rina.BandwidthQoS(40))
	require.NoError(t, err)

	m.Cleanup(context.Background())

	d, _ := m.DIF("d0")
	assert.Equal(t, uint32(0), d.AllocatedBandwidth())
	assert.Empty(t, m.Flows())
}

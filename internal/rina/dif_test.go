// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func u32(v uint32) *uint32 { return &v }

func TestDIFBandwidthAdmission(t *testing.T) {
	d := NewDIF("d0", 0, 100, nil)

	assert.True(t, d.AllocateBandwidth(u32(60)))
	assert.Equal(t, uint32(60), d.AllocatedBandwidth())

	// Exact fill succeeds.
	assert.True(t, d.AllocateBandwidth(u32(40)))
	assert.Equal(t, uint32(100), d.AllocatedBandwidth())

	// Over capacity fails and leaves state unchanged.
	assert.False(t, d.AllocateBandwidth(u32(1)))
	assert.Equal(t, uint32(100), d.AllocatedBandwidth())
}

func TestDIFNilBandwidth(t *testing.T) {
	d := NewDIF("d0", 0, 10, nil)
	assert.True(t, d.AllocateBandwidth(nil))
	assert.Equal(t, uint32(0), d.AllocatedBandwidth())
	d.ReleaseBandwidth(nil)
	assert.Equal(t, uint32(0), d.AllocatedBandwidth())
}

func TestDIFReleaseClampsAtZero(t *testing.T) {
	d := NewDIF("d0", 0, 100, nil)
	d.AllocateBandwidth(u32(10))
	d.ReleaseBandwidth(u32(50))
	assert.Equal(t, uint32(0), d.AllocatedBandwidth())
}

// Concurrent admissions must never jointly exceed the ceiling.
func TestDIFConcurrentAdmission(t *testing.T) {
	d := NewDIF("d0", 0, 100, nil)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.AllocateBandwidth(u32(10)) {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	n := 0
	for range granted {
		n++
	}
	assert.Equal(t, 10, n, "exactly ten 10 Mbps grants fit in 100 Mbps")
	assert.Equal(t, uint32(100), d.AllocatedBandwidth())
}

func TestDIFMembership(t *testing.T) {
	d := NewDIF("d0", 0, 100, nil)
	ip := NewIPCP("a", d, nil)
	defer shutdownIPCPs(ip)

	got, ok := d.GetIPCP("a")
	assert.True(t, ok)
	assert.Same(t, ip, got)
	assert.Len(t, d.IPCPs(), 1)

	d.RemoveIPCP("a")
	_, ok = d.GetIPCP("a")
	assert.False(t, ok)
}

func TestDIFStatus(t *testing.T) {
	lower := NewDIF("d0", 0, 100, nil)
	d := NewDIF("d1", 1, 50, lower)
	d.AllocateBandwidth(u32(25))

	st := d.Status()
	assert.Equal(t, "d1", st.Name)
	assert.Equal(t, uint8(1), st.Layer)
	assert.Equal(t, "d0", st.LowerDIF)
	assert.Equal(t, uint32(25), st.AllocatedBandwidth)
}

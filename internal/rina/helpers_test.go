// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import (
	"context"
	"time"
)

// fastFlowConfig keeps transport timers short so tests converge quickly.
func fastFlowConfig() FlowConfig {
	return FlowConfig{
		WindowSize:         8,
		Timeout:            80 * time.Millisecond,
		RetransmitInterval: 20 * time.Millisecond,
	}
}

func shutdownIPCPs(ipcps ...*IPCP) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ip := range ipcps {
		ip.Shutdown(ctx)
	}
}

// newTestPair builds two enrolled IPCPs in one DIF with fast flow
// timers and an application bound on each at the given port.
func newTestPair(maxBandwidth uint32, port uint16) (d *DIF, a, b *IPCP, appA, appB *Application) {
	d = NewDIF("d0", 0, maxBandwidth, nil)
	a = NewIPCP("a", d, nil)
	b = NewIPCP("b", d, nil)
	a.SetFlowConfig(fastFlowConfig())
	b.SetFlowConfig(fastFlowConfig())
	a.Enroll(b)

	appA = NewApplication("appA", a)
	appB = NewApplication("appB", b)
	_ = appA.Bind(port)
	_ = appB.Bind(port)
	return
}

// blackholeLink swallows every frame.
type blackholeLink struct{}

func (blackholeLink) SendFrame(src, dst *IPCP, flowID string, frame []byte) {}

// recordingLink keeps a copy of each frame on its channel and then
// delivers it.
type recordingLink struct {
	frames chan []byte
}

func newRecordingLink() *recordingLink {
	return &recordingLink{frames: make(chan []byte, 1024)}
}

func (l *recordingLink) SendFrame(src, dst *IPCP, flowID string, frame []byte) {
	select {
	case l.frames <- frame:
	default:
	}
	dst.DeliverFrame(flowID, frame)
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

import "time"

// FrameDirection labels a frame event as seen from the reporting IPCP.
type FrameDirection string

const (
	FrameSent     FrameDirection = "sent"
	FrameReceived FrameDirection = "received"
)

// FrameEvent describes a single frame crossing a flow endpoint.
// Adapters (measurement, API streaming) subscribe for these instead of
// intercepting the send path.
type FrameEvent struct {
	Direction FrameDirection `json:"direction"`
	FlowID    string         `json:"flow_id"`
	IPCP      string         `json:"ipcp"`
	SeqNum    uint16         `json:"seq_num"`
	Ack       bool           `json:"ack"`
	Size      int            `json:"size"`
	Time      time.Time      `json:"time"`
}

// FrameObserver receives frame events.
type FrameObserver interface {
	OnFrame(ev FrameEvent)
}

// FrameObserverFunc adapts a function to the FrameObserver interface.
type FrameObserverFunc func(ev FrameEvent)

// OnFrame implements FrameObserver.
func (f FrameObserverFunc) OnFrame(ev FrameEvent) { f(ev) }

// FlowObserver is notified of flow lifecycle transitions. The network
// manager uses it to retain statistics of closed flows.
type FlowObserver interface {
	OnFlowClosed(f *Flow)
}

// FlowObserverFunc adapts a function to the FlowObserver interface.
type FlowObserverFunc func(f *Flow)

// OnFlowClosed implements FlowObserver.
func (f FlowObserverFunc) OnFlowClosed(fl *Flow) { f(fl) }

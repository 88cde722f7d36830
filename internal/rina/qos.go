// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rina

// QoS describes the requested service characteristics of a flow. It is
// immutable after construction. A nil Bandwidth requests no reservation
// and never triggers bandwidth admission.
type QoS struct {
	Bandwidth   *uint32 `json:"bandwidth,omitempty"`  // Mbps
	LatencyMs   *uint32 `json:"latency_ms,omitempty"` // upper bound
	Reliability float64 `json:"reliability"`          // [0, 1]
}

// NewQoS builds a QoS descriptor. Either pointer may be nil.
func NewQoS(bandwidthMbps, latencyMs *uint32, reliability float64) *QoS {
	return &QoS{
		Bandwidth:   bandwidthMbps,
		LatencyMs:   latencyMs,
		Reliability: reliability,
	}
}

// BandwidthQoS is a shorthand for a fully reliable flow that reserves
// the given bandwidth.
func BandwidthQoS(mbps uint32) *QoS {
	b := mbps
	return &QoS{Bandwidth: &b, Reliability: 1}
}

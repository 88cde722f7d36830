// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the live topology state as Prometheus
// metrics. The collector reads the network on scrape; nothing is
// sampled in the background.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/rinasim/internal/network"
)

var (
	descDIFMaxBandwidth = prometheus.NewDesc(
		"rinasim_dif_max_bandwidth_mbps",
		"Admission ceiling of a DIF.",
		[]string{"dif"}, nil)
	descDIFAllocatedBandwidth = prometheus.NewDesc(
		"rinasim_dif_allocated_bandwidth_mbps",
		"Bandwidth currently reserved in a DIF.",
		[]string{"dif"}, nil)
	descFlowsByState = prometheus.NewDesc(
		"rinasim_flows",
		"Live flows by lifecycle state.",
		[]string{"state"}, nil)
	descFlowSent = prometheus.NewDesc(
		"rinasim_flow_sent_packets_total",
		"Payloads sent on a flow (excluding retransmissions).",
		[]string{"flow_id"}, nil)
	descFlowReceived = prometheus.NewDesc(
		"rinasim_flow_received_packets_total",
		"Payloads delivered in order by a flow.",
		[]string{"flow_id"}, nil)
	descFlowAcked = prometheus.NewDesc(
		"rinasim_flow_ack_packets_total",
		"ACK frames processed by a flow's sender side.",
		[]string{"flow_id"}, nil)
	descFlowRetransmitted = prometheus.NewDesc(
		"rinasim_flow_retransmitted_packets_total",
		"Retransmissions performed by a flow.",
		[]string{"flow_id"}, nil)
	descLinkDelivered = prometheus.NewDesc(
		"rinasim_link_frames_delivered_total",
		"Frames a link simulator delivered.",
		[]string{"link"}, nil)
	descLinkDropped = prometheus.NewDesc(
		"rinasim_link_frames_dropped_total",
		"Frames a link simulator dropped.",
		[]string{"link"}, nil)
	descLinkCorrupted = prometheus.NewDesc(
		"rinasim_link_frames_corrupted_total",
		"Frames a link simulator corrupted.",
		[]string{"link"}, nil)
	descLinkReordered = prometheus.NewDesc(
		"rinasim_link_frames_reordered_total",
		"Frames a link simulator dispatched out of order.",
		[]string{"link"}, nil)
)

// Collector implements prometheus.Collector over a topology manager.
type Collector struct {
	mgr *network.Manager
}

// NewCollector creates a collector for the given topology.
func NewCollector(mgr *network.Manager) *Collector {
	return &Collector{mgr: mgr}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descDIFMaxBandwidth
	ch <- descDIFAllocatedBandwidth
	ch <- descFlowsByState
	ch <- descFlowSent
	ch <- descFlowReceived
	ch <- descFlowAcked
	ch <- descFlowRetransmitted
	ch <- descLinkDelivered
	ch <- descLinkDropped
	ch <- descLinkCorrupted
	ch <- descLinkReordered
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.mgr.DIFs() {
		st := d.Status()
		ch <- prometheus.MustNewConstMetric(descDIFMaxBandwidth,
			prometheus.GaugeValue, float64(st.MaxBandwidth), st.Name)
		ch <- prometheus.MustNewConstMetric(descDIFAllocatedBandwidth,
			prometheus.GaugeValue, float64(st.AllocatedBandwidth), st.Name)
	}

	byState := make(map[string]int)
	for _, f := range c.mgr.Flows() {
		byState[f.State().String()]++
		st := f.Stats()
		ch <- prometheus.MustNewConstMetric(descFlowSent,
			prometheus.CounterValue, float64(st.Sent), f.ID())
		ch <- prometheus.MustNewConstMetric(descFlowReceived,
			prometheus.CounterValue, float64(st.Received), f.ID())
		ch <- prometheus.MustNewConstMetric(descFlowAcked,
			prometheus.CounterValue, float64(st.Acked), f.ID())
		ch <- prometheus.MustNewConstMetric(descFlowRetransmitted,
			prometheus.CounterValue, float64(st.Retransmitted), f.ID())
	}
	for state, n := range byState {
		ch <- prometheus.MustNewConstMetric(descFlowsByState,
			prometheus.GaugeValue, float64(n), state)
	}

	for name, st := range c.mgr.LinkStats() {
		ch <- prometheus.MustNewConstMetric(descLinkDelivered,
			prometheus.CounterValue, float64(st.Delivered), name)
		ch <- prometheus.MustNewConstMetric(descLinkDropped,
			prometheus.CounterValue, float64(st.Dropped), name)
		ch <- prometheus.MustNewConstMetric(descLinkCorrupted,
			prometheus.CounterValue, float64(st.Corrupted), name)
		ch <- prometheus.MustNewConstMetric(descLinkReordered,
			prometheus.CounterValue, float64(st.Reordered), name)
	}
}

// NewRegistry returns a registry with the topology collector
// installed.
func NewRegistry(mgr *network.Manager) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(mgr))
	return reg
}

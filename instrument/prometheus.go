//go:build prometheus
// +build prometheus

// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_packets_received_total",
			Help: "Number of packets decoded off any transport",
		},
	)
	packetsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_packets_sent_total",
			Help: "Number of packets handed to a transport",
		},
	)
	packetsRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_packets_relayed_total",
			Help: "Number of packets forwarded for other peers",
		},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funkpost_packets_dropped_total",
			Help: "Number of packets dropped, by reason",
		},
		[]string{"reason"},
	)
	handshakesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_handshakes_completed_total",
			Help: "Number of completed noise handshakes",
		},
	)
	sessionsSuperseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_sessions_superseded_total",
			Help: "Number of sessions replaced by a fresh handshake",
		},
	)
	syncRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_sync_rounds_total",
			Help: "Number of gossip sync rounds started",
		},
	)
	syncResends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_sync_resends_total",
			Help: "Number of cached packets re-sent to fill peer gaps",
		},
	)
	peersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "funkpost_peers_connected",
			Help: "Number of directly connected peers",
		},
	)
	reassemblyEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_reassembly_evictions_total",
			Help: "Number of partial reassemblies dropped under capacity pressure",
		},
	)
	envelopesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_envelopes_published_total",
			Help: "Number of envelopes published to the long haul relay",
		},
	)
	envelopesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "funkpost_envelopes_received_total",
			Help: "Number of envelopes received from the long haul relay",
		},
	)
)

// Init registers the metrics and, when address is not empty, exposes
// them over HTTP.
func Init(address string) {
	prometheus.MustRegister(packetsReceived)
	prometheus.MustRegister(packetsSent)
	prometheus.MustRegister(packetsRelayed)
	prometheus.MustRegister(packetsDropped)
	prometheus.MustRegister(handshakesCompleted)
	prometheus.MustRegister(sessionsSuperseded)
	prometheus.MustRegister(syncRounds)
	prometheus.MustRegister(syncResends)
	prometheus.MustRegister(peersConnected)
	prometheus.MustRegister(reassemblyEvictions)
	prometheus.MustRegister(envelopesPublished)
	prometheus.MustRegister(envelopesReceived)

	if address != "" {
		http.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(address, nil)
	}
}

func PacketsReceived() {
	packetsReceived.Inc()
}

func PacketsSent() {
	packetsSent.Inc()
}

func PacketsRelayed() {
	packetsRelayed.Inc()
}

func PacketsDropped(reason string) {
	packetsDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

func HandshakeCompleted() {
	handshakesCompleted.Inc()
}

func SessionSuperseded() {
	sessionsSuperseded.Inc()
}

func SyncRound() {
	syncRounds.Inc()
}

func SyncResends(n int) {
	syncResends.Add(float64(n))
}

func PeersConnected(n int) {
	peersConnected.Set(float64(n))
}

func ReassemblyEvictions(n uint64) {
	reassemblyEvictions.Add(float64(n))
}

func EnvelopePublished() {
	envelopesPublished.Inc()
}

func EnvelopeReceived() {
	envelopesReceived.Inc()
}

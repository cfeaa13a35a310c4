//go:build !prometheus
// +build !prometheus

// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

// Init instrumentation
func Init(address string) {}

// PacketsReceived increments the counter for decoded inbound packets
func PacketsReceived() {}

// PacketsSent increments the counter for packets handed to a transport
func PacketsSent() {}

// PacketsRelayed increments the counter for forwarded packets
func PacketsRelayed() {}

// PacketsDropped increments the counter for dropped packets
func PacketsDropped(reason string) {}

// HandshakeCompleted increments the counter for completed handshakes
func HandshakeCompleted() {}

// SessionSuperseded increments the counter for replaced sessions
func SessionSuperseded() {}

// SyncRound increments the counter for gossip sync rounds
func SyncRound() {}

// SyncResends adds to the counter for sync gap resends
func SyncResends(n int) {}

// PeersConnected sets the gauge for directly connected peers
func PeersConnected(n int) {}

// ReassemblyEvictions adds to the counter for evicted partial reassemblies
func ReassemblyEvictions(n uint64) {}

// EnvelopePublished increments the counter for published envelopes
func EnvelopePublished() {}

// EnvelopeReceived increments the counter for received envelopes
func EnvelopeReceived() {}

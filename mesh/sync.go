// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/funkpost/funkpost/core/gcs"
)

const (
	syncVersion = 0x01

	// Sync class bits, selecting which packet types a round covers.
	classMessages = 0x01
	classPresence = 0x02
	classFiles    = 0x04
	classAll      = classMessages | classPresence | classFiles

	// Batch caps on one sync response, so a divergent peer is repaired
	// across rounds instead of in one burst.
	syncMaxBatchPackets = 32
	syncMaxBatchBytes   = 16 * 1024

	syncHeaderLen = 1 + 1 + 1 + 4
)

var errBadSyncRequest = errors.New("mesh: invalid sync request")

// buildSyncRequest serializes a filter into the requestSync payload:
// version, class mask, rice parameter, element count, rice stream.
func buildSyncRequest(f *gcs.Filter, classes uint8) []byte {
	out := make([]byte, 0, syncHeaderLen+len(f.Bytes()))
	out = append(out, syncVersion, classes, f.P())
	out = binary.BigEndian.AppendUint32(out, f.N())
	return append(out, f.Bytes()...)
}

// parseSyncRequest validates and reconstitutes a received filter.
func parseSyncRequest(payload []byte) (uint8, *gcs.Filter, error) {
	if len(payload) < syncHeaderLen {
		return 0, nil, fmt.Errorf("%w: %d bytes", errBadSyncRequest, len(payload))
	}
	if payload[0] != syncVersion {
		return 0, nil, fmt.Errorf("%w: version 0x%02x", errBadSyncRequest, payload[0])
	}
	classes := payload[1]
	n := binary.BigEndian.Uint32(payload[3:7])
	f, err := gcs.FromParts(payload[2], n, gcs.DefaultM, payload[syncHeaderLen:])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBadSyncRequest, err)
	}
	return classes, f, nil
}

// missingForPeer probes the cache against a remote filter and returns
// the cached packets the requester provably lacks, oldest first, under
// the batch caps.  Filter false positives make a packet look "probably
// known" and skip it; that trades a possible unhealed gap this round
// for never re-sending without cause.
func missingForPeer(cache *packetCache, classes uint8, f *gcs.Filter) ([][]byte, error) {
	values, err := f.Values()
	if err != nil {
		return nil, err
	}

	var out [][]byte
	total := 0
	for _, e := range cache.byClass(classes) {
		if len(values) > 0 {
			h := f.Hash(e.id[:])
			idx := sort.Search(len(values), func(i int) bool { return values[i] >= h })
			if idx < len(values) && values[idx] == h {
				continue
			}
		}
		if len(e.raw) > syncMaxBatchBytes {
			continue
		}
		if len(out) >= syncMaxBatchPackets || total+len(e.raw) > syncMaxBatchBytes {
			break
		}
		out = append(out, e.raw)
		total += len(e.raw)
	}
	return out, nil
}

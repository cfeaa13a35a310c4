// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package padding implements PKCS#7 style message padding over a fixed
// ladder of block sizes, used to hide plaintext lengths before session
// encryption.
package padding

import (
	"io"

	"github.com/funkpost/funkpost/core/rand"
)

// MaxPadding is the largest amount of padding the single trailing marker
// byte can express.  Data whose distance to the target block exceeds this
// is passed through unpadded.
const MaxPadding = 255

// blockLadder is the fixed set of padded sizes.  Data larger than the
// last rung is never padded, to avoid unbounded overhead.
var blockLadder = []int{256, 512, 1024, 2048}

// BlockSize returns the ladder rung data of length n pads up to.  The
// rung must admit at least the one marker byte, data past the ladder
// keeps its own length.
func BlockSize(n int) int {
	for _, b := range blockLadder {
		if n < b {
			return b
		}
	}
	return n
}

// Pad appends padding to data up to target: random fill followed by a
// single marker byte holding the total padding count.  When the needed
// padding is zero or inexpressible the data is returned unchanged.
func Pad(data []byte, target int) []byte {
	need := target - len(data)
	if need <= 0 || need > MaxPadding {
		return data
	}

	out := make([]byte, target)
	copy(out, data)
	if need > 1 {
		if _, err := io.ReadFull(rand.Reader, out[len(data):target-1]); err != nil {
			panic("padding: failed to read pad entropy: " + err.Error())
		}
	}
	out[target-1] = byte(need)
	return out
}

// Unpad strips the padding applied by Pad, using the trailing marker
// byte.  Impossible markers mean the data was never padded, and it is
// returned unchanged.
func Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n == 0 || n > len(data) {
		return data
	}
	return data[:len(data)-n]
}

// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"crypto/hmac"
	"crypto/sha256"
)

// hkdf is the two output key derivation from the Noise specification:
//
//	tempKey = HMAC-SHA256(ck, ikm)
//	out1    = HMAC-SHA256(tempKey, 0x01)
//	out2    = HMAC-SHA256(tempKey, out1 || 0x02)
func hkdf(ck []byte, ikm []byte) (out1, out2 [KeySize]byte) {
	mac := hmac.New(sha256.New, ck)
	mac.Write(ikm)
	tempKey := mac.Sum(nil)

	mac = hmac.New(sha256.New, tempKey)
	mac.Write([]byte{0x01})
	copy(out1[:], mac.Sum(nil))

	mac = hmac.New(sha256.New, tempKey)
	mac.Write(out1[:])
	mac.Write([]byte{0x02})
	copy(out2[:], mac.Sum(nil))
	return
}

// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funkpost/funkpost/core/rand"
)

func newPair(t *testing.T) (*HandshakeState, *HandshakeState) {
	aliceStatic, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)
	bobStatic, err := GenerateKeypair(rand.Reader)
	require.NoError(t, err)

	alice := NewHandshake(*aliceStatic, true, nil)
	bob := NewHandshake(*bobStatic, false, nil)
	return alice, bob
}

func TestHandshakeXX(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice, bob := newPair(t)

	msg1, err := alice.WriteMessage(nil)
	require.NoError(err)
	require.Len(msg1, MessageLen1)

	p1, err := bob.ReadMessage(msg1)
	require.NoError(err)
	require.Empty(p1)

	msg2, err := bob.WriteMessage([]byte("responder payload"))
	require.NoError(err)
	require.GreaterOrEqual(len(msg2), MinMessageLen2)

	p2, err := alice.ReadMessage(msg2)
	require.NoError(err)
	require.Equal([]byte("responder payload"), p2)

	// After message 2 the initiator knows who it is talking to.
	rs, ok := alice.RemoteStatic()
	require.True(ok)
	require.Equal(bob.s.Public, rs)
	_, ok = bob.RemoteStatic()
	require.False(ok)

	msg3, err := alice.WriteMessage([]byte("initiator payload"))
	require.NoError(err)
	require.GreaterOrEqual(len(msg3), MinMessageLen3)

	p3, err := bob.ReadMessage(msg3)
	require.NoError(err)
	require.Equal([]byte("initiator payload"), p3)

	rs, ok = bob.RemoteStatic()
	require.True(ok)
	require.Equal(alice.s.Public, rs)

	require.True(alice.Complete())
	require.True(bob.Complete())
	require.Equal(alice.ChannelBinding(), bob.ChannelBinding())

	aliceSess, err := alice.Split()
	require.NoError(err)
	bobSess, err := bob.Split()
	require.NoError(err)

	ct, err := aliceSess.Encrypt([]byte("over the top"))
	require.NoError(err)
	pt, err := bobSess.Decrypt(ct)
	require.NoError(err)
	require.Equal([]byte("over the top"), pt)

	ct, err = bobSess.Encrypt([]byte("and back"))
	require.NoError(err)
	pt, err = aliceSess.Decrypt(ct)
	require.NoError(err)
	require.Equal([]byte("and back"), pt)

	require.Equal(aliceSess.RemoteStatic(), bob.s.Public)
	require.Equal(bobSess.RemoteStatic(), alice.s.Public)
	require.Equal(aliceSess.HandshakeHash(), bobSess.HandshakeHash())
}

func TestHandshakeOutOfTurn(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice, bob := newPair(t)

	// The initiator speaks first.
	_, err := alice.ReadMessage(make([]byte, MessageLen1))
	require.Error(err)
	assert.ErrorIs(t, err, ErrOutOfTurn)

	// The violation poisons the state.
	_, err = alice.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrHandshakeFailed)

	_, err = bob.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrOutOfTurn)
	_, err = bob.ReadMessage(make([]byte, MessageLen1))
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakeTamper(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice, bob := newPair(t)

	msg1, err := alice.WriteMessage(nil)
	require.NoError(err)
	_, err = bob.ReadMessage(msg1)
	require.NoError(err)

	msg2, err := bob.WriteMessage(nil)
	require.NoError(err)

	// Flip a bit inside the encrypted static key.
	tampered := append([]byte{}, msg2...)
	tampered[KeySize+3] ^= 0x40
	_, err = alice.ReadMessage(tampered)
	require.Error(err)
	var he *HandshakeError
	assert.ErrorAs(t, err, &he)

	// No recovery, not even with the honest message.
	_, err = alice.ReadMessage(msg2)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHandshakeTruncated(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice, bob := newPair(t)
	msg1, err := alice.WriteMessage(nil)
	require.NoError(err)
	_, err = bob.ReadMessage(msg1[:MessageLen1-1])
	assert.ErrorIs(t, err, ErrShortMessage)

	alice, bob = newPair(t)
	msg1, err = alice.WriteMessage(nil)
	require.NoError(err)
	_, err = bob.ReadMessage(msg1)
	require.NoError(err)
	msg2, err := bob.WriteMessage(nil)
	require.NoError(err)
	_, err = alice.ReadMessage(msg2[:MinMessageLen2-1])
	assert.ErrorIs(t, err, ErrShortMessage)

	alice, bob = newPair(t)
	msg1, err = alice.WriteMessage(nil)
	require.NoError(err)
	_, err = bob.ReadMessage(msg1)
	require.NoError(err)
	msg2, err = bob.WriteMessage(nil)
	require.NoError(err)
	_, err = alice.ReadMessage(msg2)
	require.NoError(err)
	msg3, err := alice.WriteMessage(nil)
	require.NoError(err)
	_, err = bob.ReadMessage(msg3[:MinMessageLen3-1])
	assert.ErrorIs(t, err, ErrShortMessage)
}

func TestHandshakeSplitEarly(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice, _ := newPair(t)
	_, err := alice.WriteMessage(nil)
	require.NoError(err)

	_, err = alice.Split()
	require.Error(err)
	var he *HandshakeError
	assert.ErrorAs(t, err, &he)
}

func TestHandshakeCompleteRejectsMore(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice, bob := newPair(t)
	msg1, err := alice.WriteMessage(nil)
	require.NoError(err)
	_, err = bob.ReadMessage(msg1)
	require.NoError(err)
	msg2, err := bob.WriteMessage(nil)
	require.NoError(err)
	_, err = alice.ReadMessage(msg2)
	require.NoError(err)
	msg3, err := alice.WriteMessage(nil)
	require.NoError(err)
	_, err = bob.ReadMessage(msg3)
	require.NoError(err)

	_, err = alice.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrHandshakeComplete)
	_, err = bob.ReadMessage(msg3)
	assert.ErrorIs(t, err, ErrHandshakeComplete)
}

func TestHandshakePayloadConfidential(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice, bob := newPair(t)

	msg1, err := alice.WriteMessage(nil)
	require.NoError(err)
	_, err = bob.ReadMessage(msg1)
	require.NoError(err)

	secret := []byte("do not leak this")
	msg2, err := bob.WriteMessage(secret)
	require.NoError(err)
	require.NotContains(string(msg2), string(secret))
}

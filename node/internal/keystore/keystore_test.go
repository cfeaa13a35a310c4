// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityPersistence(t *testing.T) {
	require := require.New(t)
	f := filepath.Join(t.TempDir(), "keys.db")

	s, err := Open(f)
	require.NoError(err)
	id1, generated, err := s.Identity()
	require.NoError(err)
	require.True(generated)
	require.NoError(s.Close())

	// Reopening yields the same identity, not a fresh one.
	s, err = Open(f)
	require.NoError(err)
	defer s.Close()
	id2, generated, err := s.Identity()
	require.NoError(err)
	require.False(generated)
	require.Equal(id1.PeerID(), id2.PeerID())
	require.Equal(id1.NoisePublic(), id2.NoisePublic())
	require.Equal(id1.SigningPublic(), id2.SigningPublic())
}

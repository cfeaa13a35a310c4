// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package keystore persists the node's long term identity with a
// simple boltdb backed store.  The identity is the only state a node
// carries across restarts; everything else is rebuilt from the mesh.
package keystore

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/funkpost/funkpost/core/identity"
	"github.com/funkpost/funkpost/core/rand"
)

const (
	identityBucket = "identity"
	identityKey    = "keys"
)

// Store is a boltdb backed identity store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the keystore at path f.
func Open(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(identityBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Identity returns the stored identity, generating and persisting a
// fresh one on first use.  The second return is true when a new
// identity was generated.
func (s *Store) Identity() (*identity.Identity, bool, error) {
	var blob []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(identityBucket)).Get([]byte(identityKey)); b != nil {
			blob = append([]byte{}, b...)
		}
		return nil
	}); err != nil {
		return nil, false, err
	}
	if blob != nil {
		id, err := identity.FromBytes(blob)
		if err != nil {
			return nil, false, fmt.Errorf("keystore: corrupt identity: %v", err)
		}
		return id, false, nil
	}

	id, err := identity.New(rand.Reader)
	if err != nil {
		return nil, false, err
	}
	blob, err = id.Bytes()
	if err != nil {
		return nil, false, err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identityBucket)).Put([]byte(identityKey), blob)
	}); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

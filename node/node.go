// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package node assembles a funkpost daemon: configuration, logging,
// the persistent identity, the link transports, and the mesh engine.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/funkpost/funkpost/core/identity"
	"github.com/funkpost/funkpost/core/log"
	"github.com/funkpost/funkpost/core/wire"
	"github.com/funkpost/funkpost/instrument"
	"github.com/funkpost/funkpost/mesh"
	"github.com/funkpost/funkpost/node/config"
	"github.com/funkpost/funkpost/node/internal/keystore"
	"github.com/funkpost/funkpost/node/internal/profiling"
	"github.com/funkpost/funkpost/transport"
	"github.com/funkpost/funkpost/transport/envelope"
	"github.com/funkpost/funkpost/transport/stream"
)

const keystoreFile = "keys.db"

// ErrGenerateOnly is the error returned when the node initialization
// terminates due to the Debug.GenerateOnly config option.
var ErrGenerateOnly = errors.New("node: GenerateOnly set")

// Server is a funkpost node instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	keys   *keystore.Store
	ident  *identity.Identity
	engine *mesh.Engine

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Node.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("node: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("node: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("node: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("node: DataDir '%v' has invalid permissions '%v', should be '%v'", d, fi.Mode(), dirMode)
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(s.cfg.Node.DataDir, p)
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("node")
	}
	return err
}

func (s *Server) initTransports() ([]transport.Transport, error) {
	var transports []transport.Transport
	if len(s.cfg.Link.Addresses) > 0 || len(s.cfg.Link.StaticPeers) > 0 {
		st, err := stream.New(&stream.Config{
			ListenAddresses: s.cfg.Link.Addresses,
			StaticPeers:     s.cfg.Link.StaticPeers,
			MTU:             s.cfg.Link.MTU,
			DialTimeout:     config.Duration(s.cfg.Mesh.ConnectTimeout),
			LogBackend:      s.logBackend,
		})
		if err != nil {
			return nil, err
		}
		transports = append(transports, st)
	}
	if s.cfg.Envelope.Enable {
		env, err := envelope.NewClient(&envelope.ClientConfig{
			Hubs:        s.cfg.Envelope.Hubs,
			SigningKey:  s.ident.SigningPrivate(),
			DialTimeout: config.Duration(s.cfg.Mesh.ConnectTimeout),
			LogBackend:  s.logBackend,
		})
		if err != nil {
			for _, tr := range transports {
				tr.Halt()
			}
			return nil, err
		}
		transports = append(transports, env)
	}
	return transports, nil
}

// LocalID returns the node's mesh identifier.
func (s *Server) LocalID() wire.PeerID {
	return s.ident.PeerID()
}

// Fingerprint returns the node's identity fingerprint for out of band
// comparison.
func (s *Server) Fingerprint() string {
	return s.ident.Fingerprint()
}

// Engine returns the running mesh engine, for embedding applications.
func (s *Server) Engine() *mesh.Engine {
	return s.engine
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("node: failed to rotate log file: %v", err)
		return
	}
	s.log.Notice("log rotated")
}

// Wait waits till the node is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("starting graceful shutdown")

	if s.engine != nil {
		// The engine halts its transports itself.
		s.engine.Halt()
		s.engine = nil
	}
	if s.keys != nil {
		s.keys.Close()
		s.keys = nil
	}
	close(s.fatalErrCh)

	s.log.Notice("shutdown complete")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("funkpost starting up")
	isOk := false
	defer func() {
		if !isOk {
			if s.keys != nil {
				s.keys.Close()
			}
		}
	}()

	var err error
	if s.keys, err = keystore.Open(filepath.Join(cfg.Node.DataDir, keystoreFile)); err != nil {
		return nil, err
	}
	var generated bool
	if s.ident, generated, err = s.keys.Identity(); err != nil {
		return nil, err
	}
	if generated {
		s.log.Notice("generated fresh identity")
	}
	s.log.Noticef("peer ID: %v", s.ident.PeerID())
	s.log.Noticef("fingerprint: %v", s.ident.Fingerprint())
	if cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	if err = profiling.Start(s.log); err != nil {
		s.log.Warningf("profiling not started: %v", err)
	}
	instrument.Init(cfg.Metrics.Address)

	// A fatal error from any component tears the whole node down.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Errorf("shutting down due to error: %v", err)
		s.Shutdown()
	}()

	transports, err := s.initTransports()
	if err != nil {
		return nil, err
	}
	s.engine, err = mesh.New(&mesh.Config{
		Identity:         s.ident,
		Nickname:         cfg.Node.Nickname,
		Transports:       transports,
		LogBackend:       s.logBackend,
		TTL:              uint8(cfg.Mesh.TTL),
		MaxConnections:   cfg.Mesh.MaxConnections,
		AnnounceInterval: config.Duration(cfg.Mesh.AnnounceInterval),
		SyncInterval:     config.Duration(cfg.Mesh.SyncInterval),
		StaleAfter:       config.Duration(cfg.Mesh.StalePeerTimeout),
		ConnectTimeout:   config.Duration(cfg.Mesh.ConnectTimeout),
		FragmentTimeout:  config.Duration(cfg.Mesh.FragmentTimeout),
		SeenCapacity:     cfg.Mesh.SeenCapacity,
		SeenRetention:    config.Duration(cfg.Mesh.SeenRetention),
	})
	if err != nil {
		for _, tr := range transports {
			tr.Halt()
		}
		return nil, err
	}

	// Drain engine events into the log.  An embedding application
	// replaces this by consuming Engine().Events() itself before the
	// drain sees them; the drain only keeps the channel moving.
	go func() {
		for ev := range s.engine.Events() {
			s.log.Infof("event: %v", ev)
		}
	}()

	isOk = true
	return s, nil
}

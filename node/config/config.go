// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the funkpost node daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultMTU              = 32 * 1024
	defaultTTL              = 7
	defaultMaxConnections   = 8
	defaultConnectTimeout   = 10 * 1000 // milliseconds
	defaultAnnounceInterval = 30 * 1000
	defaultSyncInterval     = 60 * 1000
	defaultSeenCapacity     = 4096
	defaultSeenRetention    = 10 * 60 * 1000
	defaultStalePeerTimeout = 3 * 60 * 1000
	defaultFragmentTimeout  = 30 * 1000

	defaultLogLevel = "NOTICE"
)

// Node is the top level node configuration.
type Node struct {
	// DataDir is the absolute path to the node's state directory.
	DataDir string

	// Nickname is the human readable name announced to peers.
	// Defaults to the hex peer ID.
	Nickname string
}

func (nCfg *Node) validate() error {
	if nCfg.DataDir == "" || !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Link is the stream link transport configuration.
type Link struct {
	// Addresses are the local bind URLs, tcp://host:port or
	// quic://host:port.
	Addresses []string

	// StaticPeers are the dialable peer URLs.
	StaticPeers []string

	// MTU is the largest frame carried over a link.
	MTU int
}

func (lCfg *Link) validate() error {
	if lCfg.MTU == 0 {
		lCfg.MTU = defaultMTU
	}
	if lCfg.MTU < 1024 {
		return fmt.Errorf("config: Link: MTU %d is too small", lCfg.MTU)
	}
	for _, v := range append(append([]string{}, lCfg.Addresses...), lCfg.StaticPeers...) {
		if err := validateLinkURL(v); err != nil {
			return err
		}
	}
	return nil
}

func validateLinkURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("config: Link: address '%v' is invalid: %v", v, err)
	}
	switch u.Scheme {
	case "tcp", "quic":
	default:
		return fmt.Errorf("config: Link: address '%v' has unsupported scheme", v)
	}
	if u.Host == "" {
		return fmt.Errorf("config: Link: address '%v' is missing a host", v)
	}
	return nil
}

// Envelope is the long haul relay configuration.
type Envelope struct {
	// Enable turns the long haul relay transport on.
	Enable bool

	// Hubs are the relay hub URLs.
	Hubs []string
}

func (eCfg *Envelope) validate() error {
	if !eCfg.Enable {
		return nil
	}
	if len(eCfg.Hubs) == 0 {
		return errors.New("config: Envelope: enabled without hubs")
	}
	for _, v := range eCfg.Hubs {
		if err := validateLinkURL(v); err != nil {
			return err
		}
	}
	return nil
}

// Mesh tunes the protocol engine.  All intervals and timeouts are in
// milliseconds.
type Mesh struct {
	// TTL is the hop budget on locally originated traffic.
	TTL int

	// MaxConnections caps simultaneous direct links.
	MaxConnections int

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout int

	// AnnounceInterval is the period between identity broadcasts.
	AnnounceInterval int

	// SyncInterval is the period between gossip reconciliation rounds.
	SyncInterval int

	// SeenCapacity bounds the duplicate suppression set.
	SeenCapacity int

	// SeenRetention is how long duplicate suppression entries are
	// kept.
	SeenRetention int

	// StalePeerTimeout is how long an unseen, unconnected peer stays
	// in the peer table.
	StalePeerTimeout int

	// FragmentTimeout bounds reassembly of one split packet.
	FragmentTimeout int
}

func (mCfg *Mesh) validate() error {
	if mCfg.TTL == 0 {
		mCfg.TTL = defaultTTL
	}
	if mCfg.TTL < 0 || mCfg.TTL > defaultTTL {
		return fmt.Errorf("config: Mesh: TTL %d is outside 1..%d", mCfg.TTL, defaultTTL)
	}
	for _, v := range []struct {
		name string
		val  *int
		def  int
	}{
		{"MaxConnections", &mCfg.MaxConnections, defaultMaxConnections},
		{"ConnectTimeout", &mCfg.ConnectTimeout, defaultConnectTimeout},
		{"AnnounceInterval", &mCfg.AnnounceInterval, defaultAnnounceInterval},
		{"SyncInterval", &mCfg.SyncInterval, defaultSyncInterval},
		{"SeenCapacity", &mCfg.SeenCapacity, defaultSeenCapacity},
		{"SeenRetention", &mCfg.SeenRetention, defaultSeenRetention},
		{"StalePeerTimeout", &mCfg.StalePeerTimeout, defaultStalePeerTimeout},
		{"FragmentTimeout", &mCfg.FragmentTimeout, defaultFragmentTimeout},
	} {
		if *v.val == 0 {
			*v.val = v.def
		}
		if *v.val < 0 {
			return fmt.Errorf("config: Mesh: %s must not be negative", v.name)
		}
	}
	return nil
}

// Metrics is the instrumentation configuration.
type Metrics struct {
	// Address is the metrics exposition bind address, empty disables
	// the endpoint.
	Address string
}

// Debug holds debug and test options.
type Debug struct {
	// GenerateOnly halts startup right after key generation.
	GenerateOnly bool
}

// Config is the top level funkpost node configuration.
type Config struct {
	Node     *Node
	Logging  *Logging
	Link     *Link
	Envelope *Envelope
	Mesh     *Mesh
	Metrics  *Metrics
	Debug    *Debug
}

// Duration converts a millisecond config value to a time.Duration.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Node == nil {
		return errors.New("config: no Node block")
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{}
	}
	if cfg.Link == nil {
		cfg.Link = &Link{}
	}
	if cfg.Envelope == nil {
		cfg.Envelope = &Envelope{}
	}
	if cfg.Mesh == nil {
		cfg.Mesh = &Mesh{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	for _, v := range []func() error{
		cfg.Node.validate,
		cfg.Logging.validate,
		cfg.Link.validate,
		cfg.Envelope.validate,
		cfg.Mesh.validate,
	} {
		if err := v(); err != nil {
			return err
		}
	}
	if len(cfg.Link.Addresses) == 0 && len(cfg.Link.StaticPeers) == 0 && !cfg.Envelope.Enable {
		return errors.New("config: no way to reach any peer: no Link addresses, static peers, or Envelope hubs")
	}
	return nil
}

// Load parses and validates the provided buffer as a config and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: unknown keys: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

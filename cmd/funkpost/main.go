// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/funkpost/funkpost/node"
	"github.com/funkpost/funkpost/node/config"
)

type cliFlags struct {
	configFile string
	genOnly    bool
}

func newRootCommand() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:   "funkpost",
		Short: "Funkpost mesh messaging node",
		Long: `Funkpost is a peer-to-peer mesh messaging node.  It relays packets
between directly linked peers, establishes end-to-end encrypted noise
sessions for private traffic, and reconciles missed packets with its
neighbors through gossip sync.  Direct links run over TCP or QUIC;
an optional long haul relay carries packets between meshes that share
no direct link.`,
		Example: `  # Start a node with the default configuration file
  funkpost

  # Start a node with a specific configuration file
  funkpost -f /etc/funkpost/funkpost.toml

  # Generate the identity, print it, and exit
  funkpost -f /etc/funkpost/funkpost.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(&flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configFile, "config", "f", "funkpost.toml",
		"path to the node configuration file (TOML format)")
	cmd.Flags().BoolVarP(&flags.genOnly, "generate-only", "g", false,
		"generate the identity, print it, and exit without starting the node")

	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runNode(flags *cliFlags) error {
	cfg, err := config.LoadFile(flags.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", flags.configFile, err)
	}
	if flags.genOnly {
		cfg.Debug.GenerateOnly = true
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := node.New(cfg)
	if err != nil {
		if err == node.ErrGenerateOnly {
			return nil
		}
		return fmt.Errorf("failed to spawn node instance: %v", err)
	}
	defer svr.Shutdown()

	fmt.Printf("peer ID: %v\nfingerprint: %v\n", svr.LocalID(), svr.Fingerprint())

	go func() {
		<-haltCh
		svr.Shutdown()
	}()
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}

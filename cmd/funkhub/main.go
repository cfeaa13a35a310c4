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

	"github.com/funkpost/funkpost/core/log"
	"github.com/funkpost/funkpost/transport/envelope"
)

type cliFlags struct {
	listen   []string
	logFile  string
	logLevel string
}

func newRootCommand() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:   "funkhub",
		Short: "Funkpost long haul relay hub",
		Long: `Funkhub is a fan-out relay for funkpost envelope events.  It verifies
and deduplicates the signed events subscribers publish and echoes each
accepted event to every other subscriber.  It keeps no state beyond
the duplicate window and cannot read the mesh traffic it ferries.`,
		Example: `  # Relay on the default port
  funkhub

  # Relay on specific TCP and QUIC addresses
  funkhub -l tcp://0.0.0.0:36950 -l quic://0.0.0.0:36951`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(&flags)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.listen, "listen", "l",
		[]string{"tcp://0.0.0.0:36950"}, "bind URLs (tcp:// or quic://)")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "",
		"log file, stdout when omitted")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "NOTICE",
		"log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")

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

func runHub(flags *cliFlags) error {
	backend, err := log.New(flags.logFile, flags.logLevel, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}

	hub, err := envelope.NewHub(&envelope.HubConfig{
		ListenAddresses: flags.listen,
		LogBackend:      backend,
	})
	if err != nil {
		return fmt.Errorf("failed to spawn hub instance: %v", err)
	}
	defer hub.Halt()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	for {
		select {
		case <-haltCh:
			return nil
		case <-rotateCh:
			if err := backend.Rotate(); err != nil {
				return fmt.Errorf("failed to rotate log file: %v", err)
			}
		}
	}
}

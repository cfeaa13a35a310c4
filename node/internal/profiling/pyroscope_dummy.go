//go:build !pyroscope
// +build !pyroscope

// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing without the pyroscope build tag.
func Start(log *logging.Logger) error {
	log.Debugf("pyroscope profiling is compiled out")
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// jdbus - Device bus client
//
// A CLI tool for discovering, inspecting and updating devices on a
// single-wire device bus.

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/jdbus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if msg := cmd.Message(err); msg != "" {
			fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		}
		os.Exit(cmd.ExitCode(err))
	}
}

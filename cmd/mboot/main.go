// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mboot stages an ESXi-style boot out of a directory of boot
// files: it parses boot.cfg, loads the kernel and modules into a
// simulated physical address space, runs the relocation engine and
// reports the final layout. Useful for validating boot payloads
// without a target machine.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/n-canter/mboot/pkg/boot"
	"github.com/n-canter/mboot/pkg/firmware"
	"github.com/n-canter/mboot/pkg/memmap"
)

func main() {
	var (
		rootDir string
		cfgPath string
		memSize uint64
		mac     string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "mboot",
		Short: "stage an ESXi-style multiboot load and report the layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)

			mach, err := buildMachine(rootDir, memSize, mac)
			if err != nil {
				return err
			}

			out, err := boot.Run(mach, mach, boot.Options{ConfigPath: cfgPath})
			if err != nil {
				return err
			}
			report(cmd, mach, out, memSize)
			return nil
		},
	}

	cmd.Flags().StringVarP(&rootDir, "root", "r", ".", "directory holding boot.cfg and the boot files")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "configuration file (default: boot.cfg search)")
	cmd.Flags().Uint64Var(&memSize, "mem", 256<<20, "simulated RAM size in bytes")
	cmd.Flags().StringVar(&mac, "mac", "", "pretend the image was network-booted from this MAC")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("boot staging failed")
		os.Exit(1)
	}
}

// buildMachine loads every regular file under root into the simulated
// volume and lays out a conventional low-memory map.
func buildMachine(root string, memSize uint64, mac string) (*firmware.Machine, error) {
	files := map[string][]byte{}
	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	const lowReserved = 0x61000
	m := memmap.Map{
		{Range: memmap.Range{Base: 0x1000, Size: 0x9E000}, Type: memmap.RangeAvailable},
		{Range: memmap.Range{Base: 0x9F000, Size: lowReserved}, Type: memmap.RangeReserved},
		{Range: memmap.Range{Base: 0x100000, Size: memSize - 0x100000}, Type: memmap.RangeAvailable},
	}
	mach, err := firmware.NewMachine(0, memSize, m, files)
	if err != nil {
		return nil, err
	}
	if mac != "" {
		mach.SetMAC(mac)
	}
	return mach, nil
}

func report(cmd *cobra.Command, mach *firmware.Machine, out *boot.Outcome, memSize uint64) {
	w := cmd.OutOrStdout()
	if out.Skipped {
		fmt.Fprintln(w, "skip=1: configuration asks to fall through to the next boot entry")
		return
	}

	fmt.Fprintf(w, "flavor:     %s\n", out.Flavor)
	fmt.Fprintf(w, "magic:      %#x\n", out.Magic)
	fmt.Fprintf(w, "entry:      %#x\n", out.Entry)
	fmt.Fprintf(w, "info:       %#x\n", out.InfoAddr)
	fmt.Fprintf(w, "trampoline: %#x (record %#x)\n", out.TrampolineEntry, out.RecordAddr)

	fmt.Fprintf(w, "ram:        %s simulated\n", humanize.IBytes(memSize))
	if console := mach.Console(); console != "" {
		fmt.Fprintf(w, "console:    %s\n", strings.TrimSpace(console))
	}
}

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfload

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/n-canter/mboot/pkg/status"
)

// headerScanLimit bounds the boot-info magic scan: the header must sit
// within the first 8192 bytes of the first loaded segment.
const headerScanLimit = 8192

// HeaderWindow returns the bytes a boot-info header scan may inspect:
// the leading slice of the first program-loaded segment's file
// contents. The caller probes it for the ESXBootInfo or Multiboot
// header magic.
func HeaderWindow(buf []byte) ([]byte, error) {
	f, err := parse(buf)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var first *elf.Prog
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if first == nil || p.Off < first.Off {
			first = p
		}
	}
	if first == nil {
		return nil, fmt.Errorf("no loaded segment to scan: %w", status.BadHeader)
	}

	end := first.Off + min(first.Filesz, headerScanLimit)
	if end > uint64(len(buf)) {
		return nil, fmt.Errorf("segment at %#x truncated: %w", first.Off, status.UnexpectedEOF)
	}
	window := buf[first.Off:end]

	// Copy so callers can hold the window without pinning the image.
	return bytes.Clone(window), nil
}

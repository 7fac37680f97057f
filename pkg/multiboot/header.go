// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Multiboot v1 header as defined in
// https://www.gnu.org/software/grub/manual/multiboot/multiboot.html#Header-layout
package multiboot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/n-canter/mboot/pkg/status"
)

var ErrHeaderNotFound = errors.New("multiboot header not found")
var ErrFlagsNotSupported = errors.New("multiboot header flags not supported")

const (
	// HeaderMagic identifies a Multiboot v1 header inside the
	// kernel image.
	HeaderMagic = 0x1BADB002

	// Magic is what the kernel receives in the first argument
	// register at entry.
	Magic = 0x2BADB002
)

const (
	flagHeaderPageAlign  uint32 = 0x00000001
	flagHeaderMemoryInfo uint32 = 0x00000002

	// unsupported flags
	flagHeaderVideoMode  uint32 = 0x00000004
	flagHeaderAoutKludge uint32 = 0x00010000

	flagHeaderUnsupported uint32 = 0x0000FFFC
)

// mandatory is the mandatory part of a Multiboot v1 header.
type mandatory struct {
	Magic    uint32
	Flags    uint32
	Checksum uint32
}

// optional is the optional part of a Multiboot v1 header.
type optional struct {
	HeaderAddr  uint32
	LoadAddr    uint32
	LoadEndAddr uint32
	BSSEndAddr  uint32
	EntryAddr   uint32

	ModeType uint32
	Width    uint32
	Height   uint32
	Depth    uint32
}

// A Header represents a Multiboot v1 header.
type Header struct {
	mandatory
	optional
}

// WantMemoryInfo reports whether the kernel asked for the memory
// fields of the info block.
func (h Header) WantMemoryInfo() bool {
	return h.Flags&flagHeaderMemoryInfo != 0
}

// ParseHeader scans the boot-info window of a kernel image for a
// Multiboot v1 header. The header must be 32-bit aligned and its
// mandatory part must lie within the window; optional fields that run
// past the window's end read as zero.
func ParseHeader(window []byte) (Header, error) {
	mandatorySize := binary.Size(mandatory{})
	optionalSize := binary.Size(optional{})
	sizeofHeader := mandatorySize + optionalSize

	var hdr Header
	if len(window) < mandatorySize {
		return hdr, fmt.Errorf("%w: %w", ErrHeaderNotFound, status.BadHeader)
	}

	// Zero bytes appended to the end let a single binary.Read
	// succeed when the mandatory part starts near the window
	// boundary.
	buf := append(bytes.Clone(window), make([]byte, optionalSize)...)
	br := new(bytes.Reader)
	for off := 0; off+sizeofHeader <= len(buf); off += 4 {
		br.Reset(buf[off:])
		if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
			return hdr, err
		}
		if hdr.Magic == HeaderMagic && hdr.Magic+hdr.Flags+hdr.Checksum == 0 {
			if hdr.Flags&flagHeaderUnsupported != 0 {
				return hdr, fmt.Errorf("%w: %w", ErrFlagsNotSupported, status.Unsupported)
			}
			return hdr, nil
		}
	}
	return hdr, fmt.Errorf("%w: %w", ErrHeaderNotFound, status.NotFound)
}

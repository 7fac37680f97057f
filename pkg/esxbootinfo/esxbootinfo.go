// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package esxbootinfo builds the ESXBootInfo information block: a
// count-prefixed stream of self-describing records, each carrying its
// own type and size, handed to ESXBootInfo-aware kernels.
package esxbootinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/n-canter/mboot/pkg/status"
)

var ErrHeaderNotFound = errors.New("esxbootinfo header not found")

const (
	// HeaderMagic identifies an ESXBootInfo header inside the kernel
	// image.
	HeaderMagic = 0x1BADB005

	// Magic is what the kernel receives in the first argument
	// register at entry.
	Magic = 0x2BADB005
)

// Element types.
const (
	TypeMemRange   uint32 = 1
	TypeModule     uint32 = 2
	TypeVBE        uint32 = 3
	TypeEFI        uint32 = 4
	TypeCmdLine    uint32 = 5
	TypeLoaderName uint32 = 6
)

// elmtHeader prefixes every record in the stream. ElmtSize covers the
// whole record, header included, and is always a multiple of eight so
// the next record stays aligned.
type elmtHeader struct {
	Type     uint32 `struc:"uint32,little"`
	ElmtSize uint32 `struc:"uint32,little"`
}

// streamHeader prefixes the element stream.
type streamHeader struct {
	Magic    uint32 `struc:"uint32,little"`
	NumElmts uint32 `struc:"uint32,little"`
}

// Header is the ESXBootInfo header found in the kernel image.
type Header struct {
	Magic    uint32
	Flags    uint32
	Checksum uint32
}

// ParseHeader scans the boot-info window for an ESXBootInfo header.
// The header is 8-byte aligned within the window.
func ParseHeader(window []byte) (Header, error) {
	var hdr Header
	size := binary.Size(hdr)
	for off := 0; off+size <= len(window); off += 8 {
		if err := binary.Read(bytes.NewReader(window[off:]), binary.LittleEndian, &hdr); err != nil {
			return hdr, err
		}
		if hdr.Magic == HeaderMagic && hdr.Magic+hdr.Flags+hdr.Checksum == 0 {
			return hdr, nil
		}
	}
	return hdr, fmt.Errorf("%w: %w", ErrHeaderNotFound, status.NotFound)
}

// MemRange is the payload of a TypeMemRange record.
type MemRange struct {
	Base    uint64 `struc:"uint64,little"`
	Length  uint64 `struc:"uint64,little"`
	MemType uint32 `struc:"uint32,little"`
	Attrs   uint32 `struc:"uint32,little"`
}

// Module is the fixed head of a TypeModule record; NumRanges
// PageRange entries follow it, then nothing (the command line lives
// in the block's string pool).
type Module struct {
	CmdLine   uint64 `struc:"uint64,little"`
	ModSize   uint64 `struc:"uint64,little"`
	NumRanges uint32 `struc:"uint32,little"`
	Pad       uint32 `struc:"uint32,little"`
}

// PageRange locates a piece of a module in runtime memory.
type PageRange struct {
	StartPage uint64 `struc:"uint64,little"`
	NumPages  uint32 `struc:"uint32,little"`
	Pad       uint32 `struc:"uint32,little"`
}

// VBE is the payload of a TypeVBE record.
type VBE struct {
	FramebufferAddr uint64 `struc:"uint64,little"`
	Pitch           uint32 `struc:"uint32,little"`
	Width           uint32 `struc:"uint32,little"`
	Height          uint32 `struc:"uint32,little"`
	BPP             uint8  `struc:"uint8"`
	Pad             [3]byte
}

// EFI is the payload of a TypeEFI record.
type EFI struct {
	Flags       uint32 `struc:"uint32,little"`
	Pad         uint32 `struc:"uint32,little"`
	SystemTable uint64 `struc:"uint64,little"`
}

// EFI flags.
const (
	EFIFlag64Bit          uint32 = 1 << 0
	EFIFlagSecureBoot     uint32 = 1 << 1
	EFIFlagRuntimeSvcs    uint32 = 1 << 2
	EFIFlagMemMapExported uint32 = 1 << 3
)

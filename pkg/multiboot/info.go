// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Multiboot v1 info as defined in
// https://www.gnu.org/software/grub/manual/multiboot/multiboot.html#Boot-information-format
package multiboot

import "encoding/binary"

var sizeofInfo = uint32(binary.Size(Info{}))

const (
	flagInfoMemory = 1 << iota
	flagInfoBootDev
	flagInfoCmdLine
	flagInfoMods
	flagInfoAoutSyms
	flagInfoElfSHDR
	flagInfoMemMap
	flagInfoDriveInfo
	flagInfoConfigTable
	flagInfoBootLoaderName
	flagInfoAPMTable
	flagInfoVideoInfo
	flagInfoFrameBuffer
)

// An Info represents a Multiboot v1 information structure. Pointers
// are 32 bits wide; every pointer field holds a post-relocation
// physical address by the time the block is emitted.
type Info struct {
	Flags    uint32
	MemLower uint32
	MemUpper uint32

	BootDevice uint32

	CmdLine uint32

	ModsCount uint32
	ModsAddr  uint32

	Syms [4]uint32

	MmapLength uint32
	MmapAddr   uint32

	DrivesLength uint32
	DrivesAddr   uint32

	ConfigTable uint32

	BootLoaderName uint32

	APMTable uint32

	VBEControlInfo  uint32
	VBEModeInfo     uint32
	VBEMode         uint16
	VBEInterfaceSeg uint16
	VBEInterfaceOff uint16
	VBEInterfaceLen uint16

	FramebufferAddr   uint64
	FramebufferPitch  uint32
	FramebufferWidth  uint32
	FramebufferHeight uint32
	FramebufferBPP    byte
	FramebufferType   byte
	ColorInfo         [6]byte
}

// Framebuffer describes the boot-time framebuffer, when the firmware
// set one up.
type Framebuffer struct {
	Addr   uint64
	Pitch  uint32
	Width  uint32
	Height uint32
	BPP    byte
}

// MemoryMap is one descriptor of the info block's memory map. Size
// describes the bytes that follow it: 20, or 24 when the extended
// attributes word is carried.
type MemoryMap struct {
	Size     uint32
	BaseAddr uint64
	Length   uint64
	Type     uint32
}

// MemoryMapExt is the 24-byte descriptor variant.
type MemoryMapExt struct {
	MemoryMap
	Attrs uint32
}

// Memory map descriptor types, per the Multiboot v1 specification.
const (
	MemAvailable = 1
	MemReserved  = 2
	MemACPI      = 3
	MemNVS       = 4
)

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package multiboot builds the legacy Multiboot v1 information block:
// the structure a Multiboot kernel receives at entry, describing
// memory, modules and command lines at their post-relocation
// addresses.
package multiboot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/reloc"
	"github.com/n-canter/mboot/pkg/status"
)

// mmapSlack leaves headroom in the reserved descriptor array for the
// map fragmentation that trampoline installation adds after the block
// is sized.
const mmapSlack = 8

// Builder assembles the info block in two phases. Reserve runs before
// the engine computes placement: it sizes the block, allocates its
// staging buffer and registers it as a sysinfo relocation. Emit runs
// after placement: it writes every record with pointers translated to
// post-relocation addresses.
type Builder struct {
	CmdLine        string
	BootLoaderName string
	Modules        []ModuleDesc
	Framebuffer    *Framebuffer

	// WantMemory mirrors the kernel header's memory-info request.
	WantMemory bool

	// ExtendedAttrs switches the memory-map descriptors from 20 to
	// 24 payload bytes, carrying the firmware attribute word.
	ExtendedAttrs bool

	eng   *reloc.Engine
	alloc *memmap.Allocator

	staging uint64
	total   uint64

	cmdlineOff uint32
	loaderOff  uint32
	poolOff    uint32
	tableOff   uint32
	mmapOff    uint32
	mmapSlots  int
	strOffsets []uint32
}

// NewBuilder returns a builder emitting through eng.
func NewBuilder(eng *reloc.Engine, alloc *memmap.Allocator) *Builder {
	return &Builder{eng: eng, alloc: alloc}
}

func align4(v uint32) uint32 { return (v + 3) &^ 3 }
func align8(v uint32) uint32 { return (v + 7) &^ 7 }

func (b *Builder) descSize() uint32 {
	if b.ExtendedAttrs {
		return uint32(binary.Size(MemoryMapExt{}))
	}
	return uint32(binary.Size(MemoryMap{}))
}

// Reserve sizes the block, secures its staging buffer and registers
// it with the engine as a sysinfo object.
func (b *Builder) Reserve() error {
	if b.staging != 0 {
		return fmt.Errorf("info block already reserved: %w", status.InvalidParameter)
	}

	pool, offsets := modulePool(b.Modules)
	b.strOffsets = offsets

	b.cmdlineOff = sizeofInfo
	b.loaderOff = b.cmdlineOff + uint32(len(b.CmdLine)) + 1
	b.poolOff = align4(b.loaderOff + uint32(len(b.BootLoaderName)) + 1)
	b.tableOff = align4(b.poolOff + uint32(len(pool)))
	b.mmapOff = align8(b.tableOff + sizeofModule*uint32(len(b.Modules)))
	b.mmapSlots = len(b.alloc.Map()) + mmapSlack
	b.total = uint64(b.mmapOff) + uint64(b.descSize())*uint64(b.mmapSlots)

	staging, err := b.alloc.Alloc(b.total, 8, memmap.ClassAny)
	if err != nil {
		return fmt.Errorf("allocating info staging: %w", err)
	}
	b.staging = staging

	return b.eng.Register(reloc.KindSysinfo, staging, b.total, 0, 8)
}

// runtime translates an offset within the staging block to its
// post-relocation address.
func (b *Builder) runtime(off uint32) (uint32, error) {
	addr, err := b.eng.RuntimeAddr(b.staging + uint64(off))
	if err != nil {
		return 0, err
	}
	if addr > 0xFFFFFFFF {
		return 0, fmt.Errorf("info block field at %#x above 4 GiB: %w", addr, status.InconsistentData)
	}
	return uint32(addr), nil
}

// Emit writes the block into its staging buffer. Every pointer field
// is fixed up through the engine, so the kernel reads post-copy
// addresses. Runs after the engine has computed placement.
func (b *Builder) Emit(mem reloc.Memory) error {
	if b.staging == 0 {
		return fmt.Errorf("emit before reserve: %w", status.InvalidParameter)
	}

	final, err := b.alloc.Map().Relabel(memmap.RangeBootloader, memmap.RangeAvailable).Merge()
	if err != nil {
		return err
	}
	if len(final) > b.mmapSlots {
		return fmt.Errorf("memory map grew past the reserved %d descriptors: %w",
			b.mmapSlots, status.BufferTooSmall)
	}

	var info Info
	info.Flags = flagInfoCmdLine | flagInfoBootLoaderName | flagInfoMemMap
	if info.CmdLine, err = b.runtime(b.cmdlineOff); err != nil {
		return err
	}
	if info.BootLoaderName, err = b.runtime(b.loaderOff); err != nil {
		return err
	}

	if b.WantMemory {
		info.Flags |= flagInfoMemory
		lower, upper := memoryBoundaries(final)
		info.MemLower = lower >> 10
		info.MemUpper = upper >> 10
	}

	mmapData, err := b.marshalMmap(final)
	if err != nil {
		return err
	}
	if info.MmapAddr, err = b.runtime(b.mmapOff); err != nil {
		return err
	}
	info.MmapLength = uint32(len(mmapData))

	pool, _ := modulePool(b.Modules)
	tableData, err := b.marshalModules()
	if err != nil {
		return err
	}
	if len(b.Modules) > 0 {
		info.Flags |= flagInfoMods
		info.ModsCount = uint32(len(b.Modules))
		if info.ModsAddr, err = b.runtime(b.tableOff); err != nil {
			return err
		}
	}

	if b.Framebuffer != nil {
		info.Flags |= flagInfoFrameBuffer
		info.FramebufferAddr = b.Framebuffer.Addr
		info.FramebufferPitch = b.Framebuffer.Pitch
		info.FramebufferWidth = b.Framebuffer.Width
		info.FramebufferHeight = b.Framebuffer.Height
		info.FramebufferBPP = b.Framebuffer.BPP
		info.FramebufferType = 1 // direct RGB
	}

	block := make([]byte, b.total)
	hdr := bytes.Buffer{}
	if err := binary.Write(&hdr, binary.LittleEndian, info); err != nil {
		return err
	}
	copy(block, hdr.Bytes())
	copy(block[b.cmdlineOff:], b.CmdLine)
	copy(block[b.loaderOff:], b.BootLoaderName)
	copy(block[b.poolOff:], pool)
	copy(block[b.tableOff:], tableData)
	copy(block[b.mmapOff:], mmapData)

	if err := mem.WriteAt(block, b.staging); err != nil {
		return err
	}

	if warn := sanityCheckMmap(final); warn != nil {
		log.Warn().Err(warn).Msg("info block memory map is unusual")
	}
	return nil
}

// InfoAddr returns the post-relocation address of the info block.
func (b *Builder) InfoAddr() (uint64, error) {
	return b.eng.RuntimeAddr(b.staging)
}

// marshalModules encodes the module table with pointers fixed up.
func (b *Builder) marshalModules() ([]byte, error) {
	buf := bytes.Buffer{}
	for i, m := range b.Modules {
		start, err := b.eng.RuntimeAddr(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("module %d has no relocation: %w", i, err)
		}
		cmdline, err := b.runtime(b.poolOff + b.strOffsets[i])
		if err != nil {
			return nil, err
		}
		err = binary.Write(&buf, binary.LittleEndian, wireModule{
			Start:   uint32(start),
			End:     uint32(start + m.Size),
			CmdLine: cmdline,
		})
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

var rangeTypes = map[memmap.RangeType]uint32{
	memmap.RangeAvailable:   MemAvailable,
	memmap.RangeReserved:    MemReserved,
	memmap.RangeACPIReclaim: MemACPI,
	memmap.RangeACPINVS:     MemNVS,
	memmap.RangeBlacklisted: MemReserved,
}

// marshalMmap writes out the exact descriptor bytes expected by the
// multiboot memory map pointer.
func (b *Builder) marshalMmap(m memmap.Map) ([]byte, error) {
	buf := bytes.Buffer{}
	for _, r := range m {
		typ, ok := rangeTypes[r.Type]
		if !ok {
			typ = MemReserved
		}
		desc := MemoryMap{
			// Size is really used for skipping to the next pair.
			Size:     b.descSize() - 4,
			BaseAddr: r.Base,
			Length:   r.Size,
			Type:     typ,
		}
		var err error
		if b.ExtendedAttrs {
			err = binary.Write(&buf, binary.LittleEndian, MemoryMapExt{MemoryMap: desc, Attrs: uint32(r.Attrs)})
		} else {
			err = binary.Write(&buf, binary.LittleEndian, desc)
		}
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// memoryBoundaries derives the legacy lower/upper memory sizes: the
// available range starting at address zero and the available range
// starting at one megabyte.
func memoryBoundaries(m memmap.Map) (lower, upper uint32) {
	const (
		m1   = 1 << 20
		k640 = 640 << 10
	)
	for _, r := range m {
		if r.Type != memmap.RangeAvailable {
			continue
		}
		if r.Base == 0 {
			lower = uint32(min(r.Size, k640))
		}
		if r.Base == m1 {
			upper = uint32(min(r.Size, 0xFFFFFFFF))
		}
	}
	return lower, upper
}

// sanityCheckMmap flags descriptor-array defects that are worth a
// diagnostic but must not abort the boot.
func sanityCheckMmap(m memmap.Map) error {
	var result *multierror.Error
	for i := 1; i < len(m); i++ {
		if m[i].Base < m[i-1].Base {
			result = multierror.Append(result,
				fmt.Errorf("descriptors %d and %d out of order", i-1, i))
		}
		if m[i-1].Range.Overlaps(m[i].Range) {
			result = multierror.Append(result,
				fmt.Errorf("descriptors %d and %d overlap", i-1, i))
		}
	}
	for i, r := range m {
		if r.Size == 0 {
			result = multierror.Append(result,
				fmt.Errorf("descriptor %d has zero length", i))
		}
	}
	return result.ErrorOrNil()
}

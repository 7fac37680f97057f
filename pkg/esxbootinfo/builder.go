// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package esxbootinfo

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/lunixbochs/struc"
	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/reloc"
	"github.com/n-canter/mboot/pkg/status"
)

const pageSize = 0x1000

// mmapSlack leaves headroom for map fragmentation added between
// sizing and emission.
const mmapSlack = 8

// ModuleDesc describes one loaded module. Payload is the module's
// pre-relocation physical address.
type ModuleDesc struct {
	Payload uint64
	Size    uint64
	CmdLine string
}

// Builder assembles the element stream in two phases: Reserve sizes
// the block and registers it as a sysinfo relocation before placement
// runs; Emit writes the records afterwards, with every pointer
// translated to its post-relocation address.
type Builder struct {
	CmdLine    string
	LoaderName string
	Modules    []ModuleDesc
	VBE        *VBE
	EFI        *EFI

	eng   *reloc.Engine
	alloc *memmap.Allocator

	staging uint64
	total   uint64

	cmdlineOff uint32
	loaderOff  uint32
	modulesOff uint32
	vbeOff     uint32
	efiOff     uint32
	mmapOff    uint32
	poolOff    uint32
	mmapSlots  int
	strOffsets []uint32
}

// NewBuilder returns a builder emitting through eng.
func NewBuilder(eng *reloc.Engine, alloc *memmap.Allocator) *Builder {
	return &Builder{eng: eng, alloc: alloc}
}

func pad8(v uint32) uint32 { return (v + 7) &^ 7 }

const (
	sizeofElmtHeader = 8
	sizeofStreamHdr  = 8
	sizeofMemRange   = 24
	sizeofModuleHead = 24
	sizeofPageRange  = 16
	sizeofVBE        = 24
	sizeofEFI        = 16
)

func strRecordSize(s string) uint32 {
	return sizeofElmtHeader + pad8(uint32(len(s))+1)
}

// Reserve sizes the block, secures its staging buffer and registers
// it with the engine as a sysinfo object.
func (b *Builder) Reserve() error {
	if b.staging != 0 {
		return fmt.Errorf("info block already reserved: %w", status.InvalidParameter)
	}

	off := uint32(sizeofStreamHdr)
	b.cmdlineOff = off
	off += strRecordSize(b.CmdLine)
	b.loaderOff = off
	off += strRecordSize(b.LoaderName)

	b.modulesOff = off
	off += uint32(len(b.Modules)) * (sizeofElmtHeader + sizeofModuleHead + sizeofPageRange)

	if b.VBE != nil {
		b.vbeOff = off
		off += sizeofElmtHeader + sizeofVBE
	}
	if b.EFI != nil {
		b.efiOff = off
		off += sizeofElmtHeader + sizeofEFI
	}

	b.mmapOff = off
	b.mmapSlots = len(b.alloc.Map()) + mmapSlack
	off += uint32(b.mmapSlots) * (sizeofElmtHeader + sizeofMemRange)

	b.poolOff = off
	var pool uint32
	for _, m := range b.Modules {
		b.strOffsets = append(b.strOffsets, pool)
		pool += uint32(len(m.CmdLine)) + 1
	}
	b.total = uint64(pad8(off + pool))

	staging, err := b.alloc.Alloc(b.total, 8, memmap.ClassAny)
	if err != nil {
		return fmt.Errorf("allocating info staging: %w", err)
	}
	b.staging = staging

	return b.eng.Register(reloc.KindSysinfo, staging, b.total, 0, 8)
}

var rangeTypes = map[memmap.RangeType]uint32{
	memmap.RangeAvailable:   1,
	memmap.RangeReserved:    2,
	memmap.RangeACPIReclaim: 3,
	memmap.RangeACPINVS:     4,
	memmap.RangeBlacklisted: 2,
}

// Emit writes the element stream into its staging buffer. Runs after
// the engine has computed placement.
func (b *Builder) Emit(mem reloc.Memory) error {
	if b.staging == 0 {
		return fmt.Errorf("emit before reserve: %w", status.InvalidParameter)
	}

	final, err := b.alloc.Map().Relabel(memmap.RangeBootloader, memmap.RangeAvailable).Merge()
	if err != nil {
		return err
	}
	if len(final) > b.mmapSlots {
		return fmt.Errorf("memory map grew past the reserved %d records: %w",
			b.mmapSlots, status.BufferTooSmall)
	}

	block := make([]byte, b.total)
	numElmts := uint32(0)

	emitString := func(off uint32, typ uint32, s string) error {
		if err := b.packAt(block, off, &elmtHeader{Type: typ, ElmtSize: strRecordSize(s)}); err != nil {
			return err
		}
		copy(block[off+sizeofElmtHeader:], s)
		numElmts++
		return nil
	}
	if err := emitString(b.cmdlineOff, TypeCmdLine, b.CmdLine); err != nil {
		return err
	}
	if err := emitString(b.loaderOff, TypeLoaderName, b.LoaderName); err != nil {
		return err
	}

	off := b.modulesOff
	for i, m := range b.Modules {
		dst, err := b.eng.RuntimeAddr(m.Payload)
		if err != nil {
			return fmt.Errorf("module %d has no relocation: %w", i, err)
		}
		cmdline, err := b.eng.RuntimeAddr(b.staging + uint64(b.poolOff+b.strOffsets[i]))
		if err != nil {
			return err
		}
		recSize := uint32(sizeofElmtHeader + sizeofModuleHead + sizeofPageRange)
		if err := b.packAt(block, off, &elmtHeader{Type: TypeModule, ElmtSize: recSize}); err != nil {
			return err
		}
		if err := b.packAt(block, off+sizeofElmtHeader, &Module{
			CmdLine:   cmdline,
			ModSize:   m.Size,
			NumRanges: 1,
		}); err != nil {
			return err
		}
		if err := b.packAt(block, off+sizeofElmtHeader+sizeofModuleHead, &PageRange{
			StartPage: dst &^ (pageSize - 1),
			NumPages:  uint32((dst + m.Size - (dst &^ (pageSize - 1)) + pageSize - 1) / pageSize),
		}); err != nil {
			return err
		}
		off += recSize
		numElmts++
	}

	if b.VBE != nil {
		if err := b.packAt(block, b.vbeOff, &elmtHeader{Type: TypeVBE, ElmtSize: sizeofElmtHeader + sizeofVBE}); err != nil {
			return err
		}
		if err := b.packAt(block, b.vbeOff+sizeofElmtHeader, b.VBE); err != nil {
			return err
		}
		numElmts++
	}
	if b.EFI != nil {
		if err := b.packAt(block, b.efiOff, &elmtHeader{Type: TypeEFI, ElmtSize: sizeofElmtHeader + sizeofEFI}); err != nil {
			return err
		}
		if err := b.packAt(block, b.efiOff+sizeofElmtHeader, b.EFI); err != nil {
			return err
		}
		numElmts++
	}

	off = b.mmapOff
	for _, r := range final {
		typ, ok := rangeTypes[r.Type]
		if !ok {
			typ = rangeTypes[memmap.RangeReserved]
		}
		if err := b.packAt(block, off, &elmtHeader{Type: TypeMemRange, ElmtSize: sizeofElmtHeader + sizeofMemRange}); err != nil {
			return err
		}
		if err := b.packAt(block, off+sizeofElmtHeader, &MemRange{
			Base:    r.Base,
			Length:  r.Size,
			MemType: typ,
			Attrs:   uint32(r.Attrs),
		}); err != nil {
			return err
		}
		off += sizeofElmtHeader + sizeofMemRange
		numElmts++
	}

	for i, m := range b.Modules {
		p := b.poolOff + b.strOffsets[i]
		copy(block[p:], m.CmdLine)
	}

	if err := b.packAt(block, 0, &streamHeader{Magic: Magic, NumElmts: numElmts}); err != nil {
		return err
	}

	if err := mem.WriteAt(block, b.staging); err != nil {
		return err
	}

	if warn := sanityCheck(final); warn != nil {
		log.Warn().Err(warn).Msg("info block memory map is unusual")
	}
	return nil
}

// InfoAddr returns the post-relocation address of the info block.
func (b *Builder) InfoAddr() (uint64, error) {
	return b.eng.RuntimeAddr(b.staging)
}

// packAt packs v little-endian into block at off.
func (b *Builder) packAt(block []byte, off uint32, v any) error {
	buf := bytes.Buffer{}
	if err := struc.PackWithOptions(&buf, v, &struc.Options{Order: binary.LittleEndian}); err != nil {
		return err
	}
	if int(off)+buf.Len() > len(block) {
		return fmt.Errorf("record at %#x spills out of the info block: %w", off, status.BufferTooSmall)
	}
	copy(block[off:], buf.Bytes())
	return nil
}

// sanityCheck flags map defects worth a diagnostic but not an abort.
func sanityCheck(m memmap.Map) error {
	var result *multierror.Error
	for i := 1; i < len(m); i++ {
		if m[i].Base < m[i-1].Base {
			result = multierror.Append(result,
				fmt.Errorf("records %d and %d out of order", i-1, i))
		}
		if m[i-1].Range.Overlaps(m[i].Range) {
			result = multierror.Append(result,
				fmt.Errorf("records %d and %d overlap", i-1, i))
		}
	}
	return result.ErrorOrNil()
}

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/reloc"
	"github.com/n-canter/mboot/pkg/status"
)

type testSegment struct {
	paddr uint64
	memsz uint64
	data  []byte
}

// makeELF64 assembles a minimal executable image with one PT_LOAD per
// segment, file data packed after the program headers.
func makeELF64(t *testing.T, entry uint64, segs []testSegment) []byte {
	t.Helper()

	const (
		ehsize  = 64
		phsize  = 56
		machine = elf.EM_X86_64
	)
	dataOff := uint64(ehsize + phsize*len(segs))

	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := bytes.Buffer{}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     uint16(len(segs)),
	}))

	off := dataOff
	for _, s := range segs {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Off:    off,
			Vaddr:  s.paddr,
			Paddr:  s.paddr,
			Filesz: uint64(len(s.data)),
			Memsz:  s.memsz,
			Align:  0x1000,
		}))
		off += uint64(len(s.data))
	}
	for _, s := range segs {
		buf.Write(s.data)
	}
	return buf.Bytes()
}

func testAllocator(t *testing.T) *memmap.Allocator {
	t.Helper()
	alloc, err := memmap.NewAllocator(memmap.Map{
		{Range: memmap.Range{Base: 0x100000, Size: 0x10000000}, Type: memmap.RangeAvailable},
	})
	require.NoError(t, err)
	return alloc
}

// Zero-fill tail: a segment with memsz > filesz registers a copy and a
// separate zero-fill entry for the BSS.
func TestRegisterZeroFillTail(t *testing.T) {
	img := makeELF64(t, 0x200000, []testSegment{
		{paddr: 0x200000, memsz: 0x3000, data: bytes.Repeat([]byte{0x90}, 0x1000)},
	})

	alloc := testAllocator(t)
	eng := reloc.New(alloc, reloc.Policy{})

	entry, err := Register(img, 0x800000, alloc, eng, Options{})
	require.NoError(t, err)

	mem := nopMemory{}
	require.NoError(t, eng.Compute(mem))
	table, err := eng.Table()
	require.NoError(t, err)

	// The hull is 0x3000 bytes aligned to 2 MiB: base 0x200000, so
	// the addend is zero and linked addresses survive untouched.
	type copyDesc struct {
		Src, Dst, Size uint64
		Kind           reloc.Kind
	}
	var got []copyDesc
	for _, e := range table {
		if e.Kind != reloc.KindNone {
			got = append(got, copyDesc{e.Src, e.Dst, e.Size, e.Kind})
		}
	}
	phOff := uint64(64 + 56) // ehdr + one phdr
	want := []copyDesc{
		{Src: 0x800000 + phOff, Dst: 0x200000, Size: 0x1000, Kind: reloc.KindKernel},
		{Src: 0, Dst: 0x201000, Size: 0x2000, Kind: reloc.KindKernel},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("relocation entries mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, uint64(0x200000), entry)
}

// ELF rejection: a buffer without the magic is refused before any
// allocator state changes.
func TestRegisterRejectsBadMagic(t *testing.T) {
	alloc := testAllocator(t)
	before := append(memmap.Map{}, alloc.Map()...)
	eng := reloc.New(alloc, reloc.Policy{})

	_, err := Register([]byte("this is not an ELF image"), 0x800000, alloc, eng, Options{})
	require.True(t, errors.Is(err, status.BadType))

	if diff := cmp.Diff(before, alloc.Map()); diff != "" {
		t.Errorf("allocator state changed on rejected image:\n%s", diff)
	}
}

func TestRegisterRejectsForeignArch(t *testing.T) {
	img := makeELF64(t, 0x200000, []testSegment{
		{paddr: 0x200000, memsz: 0x1000, data: make([]byte, 0x1000)},
	})
	// Rewrite the machine type to something we do not boot.
	binary.LittleEndian.PutUint16(img[18:], uint16(elf.EM_AARCH64))

	alloc := testAllocator(t)
	eng := reloc.New(alloc, reloc.Policy{})
	_, err := Register(img, 0x800000, alloc, eng, Options{})
	require.True(t, errors.Is(err, status.BadArch))
}

func TestRegisterTruncatedSegment(t *testing.T) {
	img := makeELF64(t, 0x200000, []testSegment{
		{paddr: 0x200000, memsz: 0x1000, data: make([]byte, 0x1000)},
	})
	img = img[:len(img)-0x800]

	alloc := testAllocator(t)
	eng := reloc.New(alloc, reloc.Policy{})
	_, err := Register(img, 0x800000, alloc, eng, Options{})
	require.True(t, errors.Is(err, status.UnexpectedEOF))
}

// The addend shifts every linked address by the same constant when
// the preferred link base is unavailable.
func TestRegisterAppliesAddend(t *testing.T) {
	img := makeELF64(t, 0x100400, []testSegment{
		{paddr: 0x100000, memsz: 0x1000, data: make([]byte, 0x1000)},
	})

	// Linked at 1 MiB, but available memory starts at 16 MiB.
	alloc, err := memmap.NewAllocator(memmap.Map{
		{Range: memmap.Range{Base: 0x1000000, Size: 0x10000000}, Type: memmap.RangeAvailable},
	})
	require.NoError(t, err)
	eng := reloc.New(alloc, reloc.Policy{})

	entry, err := Register(img, 0x20000000, alloc, eng, Options{})
	require.NoError(t, err)

	// 0x1000000 is already 2 MiB aligned, so the hull lands there
	// and the addend is 0xF00000.
	require.Equal(t, uint64(0x1000000+0x400), entry)
}

func TestHeaderWindow(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 0x400)
	img := makeELF64(t, 0x200000, []testSegment{
		{paddr: 0x200000, memsz: 0x400, data: payload},
	})

	window, err := HeaderWindow(img)
	require.NoError(t, err)
	require.Equal(t, payload, window)
}

// nopMemory satisfies reloc.Memory for computations that never break
// a cycle.
type nopMemory struct{}

func (nopMemory) ReadAt(p []byte, addr uint64) error  { return nil }
func (nopMemory) WriteAt(p []byte, addr uint64) error { return nil }

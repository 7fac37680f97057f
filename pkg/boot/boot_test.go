// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package boot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/n-canter/mboot/pkg/esxbootinfo"
	"github.com/n-canter/mboot/pkg/firmware"
	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/multiboot"
	"github.com/n-canter/mboot/pkg/status"
)

// makeKernel builds a one-segment ELF64 executable whose loaded
// bytes begin with the given boot-info header.
func makeKernel(t *testing.T, bootHeader []byte) []byte {
	t.Helper()

	const (
		paddr  = 0x200000
		filesz = 0x1000
		memsz  = 0x2000
	)
	data := make([]byte, filesz)
	copy(data, bootHeader)
	for i := len(bootHeader); i < filesz; i++ {
		data[i] = 0x90
	}

	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := bytes.Buffer{}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     paddr,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    64 + 56,
		Vaddr:  paddr,
		Paddr:  paddr,
		Filesz: filesz,
		Memsz:  memsz,
		Align:  0x1000,
	}))
	buf.Write(data)
	return buf.Bytes()
}

func multibootHeader(t *testing.T) []byte {
	t.Helper()
	flags := uint32(2) // request memory info
	buf := bytes.Buffer{}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, [3]uint32{
		multiboot.HeaderMagic, flags, -(multiboot.HeaderMagic + flags),
	}))
	return buf.Bytes()
}

func esxbootinfoHeader(t *testing.T) []byte {
	t.Helper()
	magic := uint32(esxbootinfo.HeaderMagic)
	buf := bytes.Buffer{}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, [3]uint32{
		esxbootinfo.HeaderMagic, 0, -magic,
	}))
	return buf.Bytes()
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	buf := bytes.Buffer{}
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newBootMachine(t *testing.T, files map[string][]byte) *firmware.Machine {
	t.Helper()
	mach, err := firmware.NewMachine(0, 0x1000000, memmap.Map{
		{Range: memmap.Range{Base: 0x1000, Size: 0x9E000}, Type: memmap.RangeAvailable},
		{Range: memmap.Range{Base: 0x9F000, Size: 0x61000}, Type: memmap.RangeReserved},
		{Range: memmap.Range{Base: 0x100000, Size: 0xF00000}, Type: memmap.RangeAvailable},
	}, files)
	require.NoError(t, err)
	return mach
}

func TestRunMultiboot(t *testing.T) {
	kernel := makeKernel(t, multibootHeader(t))
	payload := bytes.Repeat([]byte{0x77}, 0x1800)
	mach := newBootMachine(t, map[string][]byte{
		"boot.cfg": []byte("title=Loading ESXi\nkernel=b.b00\nkernelopt=runweasel\nmodules=m0.gz\n"),
		"b.b00":    kernel,
		"m0.gz":    gzipped(t, payload),
	})
	mach.SetMAC("01-aa-bb-cc-dd-ee-ff")

	out, err := Run(mach, mach, Options{})
	require.NoError(t, err)
	require.False(t, out.Skipped)
	require.Equal(t, FlavorMultiboot, out.Flavor)
	require.Equal(t, uint32(multiboot.Magic), out.Magic)
	require.Equal(t, uint64(0x200000), out.Entry)
	require.True(t, mach.Exited(), "firmware must be shut down")
	require.Contains(t, mach.Console(), "Loading ESXi")

	// Kernel text reached its linked address; the BSS tail is clean.
	text, err := mach.Bytes(0x200000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, multibootHeader(t), text[:12])
	bss, err := mach.Bytes(0x201000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 0x1000), bss)

	// The info block is in place: the command line carries the
	// kernel options and the injected BOOTIF.
	raw, err := mach.Bytes(out.InfoAddr, uint64(binary.Size(multiboot.Info{})))
	require.NoError(t, err)
	var info multiboot.Info
	require.NoError(t, binary.Read(bytes.NewReader(raw), binary.LittleEndian, &info))
	require.NotZero(t, info.CmdLine)

	cl, err := mach.Bytes(uint64(info.CmdLine), 64)
	require.NoError(t, err)
	cl = cl[:bytes.IndexByte(cl, 0)]
	require.Equal(t, "b.b00 runweasel BOOTIF=01-aa-bb-cc-dd-ee-ff", string(cl))

	// One module, relocated and intact.
	require.Equal(t, uint32(1), info.ModsCount)
	mraw, err := mach.Bytes(uint64(info.ModsAddr), 16)
	require.NoError(t, err)
	start := binary.LittleEndian.Uint32(mraw)
	end := binary.LittleEndian.Uint32(mraw[4:])
	got, err := mach.Bytes(uint64(start), uint64(end-start))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestRunESXBootInfo(t *testing.T) {
	kernel := makeKernel(t, esxbootinfoHeader(t))
	mach := newBootMachine(t, map[string][]byte{
		"boot.cfg": []byte("kernel=k.b00\nmodules=s.v00\n"),
		"k.b00":    kernel,
		"s.v00":    bytes.Repeat([]byte{0x3C}, 0x900),
	})
	mach.SetSystemTables(firmware.SystemTables{EFISystemTable: 0xFEE00000})

	out, err := Run(mach, mach, Options{})
	require.NoError(t, err)
	require.Equal(t, FlavorESXBootInfo, out.Flavor)
	require.Equal(t, uint32(esxbootinfo.Magic), out.Magic)

	// The stream header landed at the info address.
	raw, err := mach.Bytes(out.InfoAddr, 8)
	require.NoError(t, err)
	require.Equal(t, uint32(esxbootinfo.Magic), binary.LittleEndian.Uint32(raw))
	require.NotZero(t, binary.LittleEndian.Uint32(raw[4:]))
}

func TestRunSkip(t *testing.T) {
	mach := newBootMachine(t, map[string][]byte{
		"boot.cfg": []byte("kernel=k.b00\nskip=1\n"),
	})
	out, err := Run(mach, mach, Options{})
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.False(t, mach.Exited())
}

func TestRunPerMACConfig(t *testing.T) {
	kernel := makeKernel(t, esxbootinfoHeader(t))
	mach := newBootMachine(t, map[string][]byte{
		"01-aa-bb-cc-dd-ee-ff/boot.cfg": []byte("kernel=k.b00\nnobootif=1\n"),
		"k.b00":                         kernel,
	})
	mach.SetMAC("01-aa-bb-cc-dd-ee-ff")

	out, err := Run(mach, mach, Options{})
	require.NoError(t, err)
	require.False(t, out.Skipped)
}

func TestRunMissingKernel(t *testing.T) {
	mach := newBootMachine(t, map[string][]byte{
		"boot.cfg": []byte("kernel=k.b00\n"),
	})
	_, err := Run(mach, mach, Options{})
	require.True(t, errors.Is(err, status.NotFound))
	require.False(t, mach.Exited(), "failures before shutdown return to firmware")
}

func TestRunNoConfig(t *testing.T) {
	mach := newBootMachine(t, nil)
	_, err := Run(mach, mach, Options{})
	require.Error(t, err)
}

func TestRunRejectsHeaderlessKernel(t *testing.T) {
	kernel := makeKernel(t, nil)
	mach := newBootMachine(t, map[string][]byte{
		"boot.cfg": []byte("kernel=k.b00\n"),
		"k.b00":    kernel,
	})
	_, err := Run(mach, mach, Options{})
	require.True(t, errors.Is(err, status.BadType))
}

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package handoff owns the last stretch of the boot: the fixed-layout
// record the trampoline reads, its installation into safe memory, and
// the final copy pass.
package handoff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/reloc"
	"github.com/n-canter/mboot/pkg/status"
)

// Record is the hand-off structure. Field order and offsets are ABI:
// the architecture trampoline stub reads them by offset, so they are
// pinned at compile time below.
type Record struct {
	// TrampolineStack is the stack top the trampoline switches to.
	TrampolineStack uint64

	// RelocTable is the runtime address of the sentinel-terminated
	// relocation table.
	RelocTable uint64

	// CopyRoutine is the runtime entry of the copy routine.
	CopyRoutine uint64

	// InfoBlock is the runtime address of the kernel info block.
	InfoBlock uint64

	// KernelEntry is the post-relocation kernel entry point.
	KernelEntry uint64

	// LowMemTrampoline is where the trampoline code itself was
	// copied.
	LowMemTrampoline uint64

	// Magic selects the boot-info flavor the kernel receives.
	Magic uint32

	_ uint32
}

// RecordSize is the wire size of Record.
const RecordSize = 56

// Field offsets read by the trampoline stub. The const conversions
// refuse to compile if the struct layout drifts from the ABI.
const (
	offTrampolineStack  = 0
	offRelocTable       = 8
	offCopyRoutine      = 16
	offInfoBlock        = 24
	offKernelEntry      = 32
	offLowMemTrampoline = 40
	offMagic            = 48
)

const (
	_ = uintptr(unsafe.Offsetof(Record{}.TrampolineStack) - offTrampolineStack)
	_ = uintptr(offTrampolineStack - unsafe.Offsetof(Record{}.TrampolineStack))
	_ = uintptr(unsafe.Offsetof(Record{}.RelocTable) - offRelocTable)
	_ = uintptr(offRelocTable - unsafe.Offsetof(Record{}.RelocTable))
	_ = uintptr(unsafe.Offsetof(Record{}.CopyRoutine) - offCopyRoutine)
	_ = uintptr(offCopyRoutine - unsafe.Offsetof(Record{}.CopyRoutine))
	_ = uintptr(unsafe.Offsetof(Record{}.InfoBlock) - offInfoBlock)
	_ = uintptr(offInfoBlock - unsafe.Offsetof(Record{}.InfoBlock))
	_ = uintptr(unsafe.Offsetof(Record{}.KernelEntry) - offKernelEntry)
	_ = uintptr(offKernelEntry - unsafe.Offsetof(Record{}.KernelEntry))
	_ = uintptr(unsafe.Offsetof(Record{}.LowMemTrampoline) - offLowMemTrampoline)
	_ = uintptr(offLowMemTrampoline - unsafe.Offsetof(Record{}.LowMemTrampoline))
	_ = uintptr(unsafe.Offsetof(Record{}.Magic) - offMagic)
	_ = uintptr(offMagic - unsafe.Offsetof(Record{}.Magic))
	_ = uintptr(unsafe.Sizeof(Record{}) - RecordSize)
	_ = uintptr(RecordSize - unsafe.Sizeof(Record{}))
)

// stackSize is the trampoline stack. The copy loop needs almost
// nothing; one page plus slack is generous.
const stackSize = 0x2000

// recordSlot pads the record so the stack that follows stays 16-byte
// aligned.
const recordSlot = 0x40

// Trampoline is the installed hand-off state.
type Trampoline struct {
	// Entry is the runtime address the driver jumps to after
	// firmware shutdown.
	Entry uint64

	// RecordAddr is the runtime address of the hand-off record,
	// passed to the trampoline in the first argument register.
	RecordAddr uint64

	record    Record
	table     []reloc.Entry
	tableAddr uint64
}

// Install places the copy routine and the hand-off data block in safe
// memory. The data block is written immediately: it must reach its
// runtime location before the trampoline stack is used. Runs after
// the engine has computed placement.
func Install(eng *reloc.Engine, mem reloc.Memory, stub []byte) (*Trampoline, error) {
	table, err := eng.Table()
	if err != nil {
		return nil, err
	}
	tableBytes, err := reloc.MarshalTable(table)
	if err != nil {
		return nil, err
	}

	// One contiguous block for record, stack and table; a separate
	// one for the code.
	total := uint64(recordSlot) + stackSize + uint64(len(tableBytes))
	dataAddr, err := eng.AllocSafe(total, 16)
	if err != nil {
		return nil, fmt.Errorf("no safe memory for the hand-off block: %w", err)
	}
	codeAddr, err := eng.AllocSafe(uint64(len(stub)), 16)
	if err != nil {
		return nil, fmt.Errorf("no safe memory for the trampoline: %w", err)
	}

	tr := &Trampoline{
		Entry:      codeAddr,
		RecordAddr: dataAddr,
		table:      table,
		tableAddr:  dataAddr + recordSlot + stackSize,
	}
	tr.record = Record{
		TrampolineStack:  dataAddr + recordSlot + stackSize,
		RelocTable:       tr.tableAddr,
		CopyRoutine:      codeAddr,
		LowMemTrampoline: codeAddr,
	}

	code, err := patchStub(stub, tr.RecordAddr)
	if err != nil {
		return nil, err
	}
	if err := mem.WriteAt(code, codeAddr); err != nil {
		return nil, err
	}
	if c, ok := mem.(reloc.CacheOps); ok {
		c.FlushRange(codeAddr, uint64(len(code)))
	}

	if err := mem.WriteAt(tableBytes, tr.tableAddr); err != nil {
		return nil, err
	}
	if err := tr.writeRecord(mem); err != nil {
		return nil, err
	}

	log.Debug().
		Uint64("record", tr.RecordAddr).
		Uint64("code", tr.Entry).
		Int("table_entries", len(table)).
		Msg("trampoline installed")
	return tr, nil
}

// SetKernel stores the kernel entry point and boot-info magic.
func (tr *Trampoline) SetKernel(entry uint64, magic uint32, mem reloc.Memory) error {
	tr.record.KernelEntry = entry
	tr.record.Magic = magic
	return tr.writeRecord(mem)
}

// SetInfoBlock stores the info block's runtime address.
func (tr *Trampoline) SetInfoBlock(addr uint64, mem reloc.Memory) error {
	tr.record.InfoBlock = addr
	return tr.writeRecord(mem)
}

func (tr *Trampoline) writeRecord(mem reloc.Memory) error {
	buf := bytes.Buffer{}
	if err := binary.Write(&buf, binary.LittleEndian, tr.record); err != nil {
		return err
	}
	return mem.WriteAt(buf.Bytes(), tr.RecordAddr)
}

// Fire performs what the trampoline does after the jump: execute the
// relocation table, leaving the kernel, modules and info block at
// their runtime addresses. The actual register setup and jump belong
// to the architecture stub.
func (tr *Trampoline) Fire(mem reloc.Memory) error {
	if tr.record.KernelEntry == 0 || tr.record.Magic == 0 {
		return fmt.Errorf("hand-off record is not fully seeded: %w", status.InconsistentData)
	}
	return reloc.Run(mem, tr.table)
}

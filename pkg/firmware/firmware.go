// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package firmware defines the loader's view of its host firmware:
// file access, the memory map, console and clock, and the one-way
// door out of boot services. The loader core never talks to hardware
// directly; everything below this interface is platform code.
package firmware

import "github.com/n-canter/mboot/pkg/memmap"

// SystemTables carries the physical addresses of the firmware
// description tables the kernel may want. Zero means not present.
type SystemTables struct {
	ACPIRSDP uint64
	SMBIOS   uint64
	FDT      uint64

	// EFISystemTable is the EFI system table, when the loader runs
	// under UEFI firmware.
	EFISystemTable uint64
}

// File is a loaded boot file. Data aliases the live buffer at Addr;
// it stays valid until the memory is reused.
type File struct {
	Addr uint64
	Data []byte
}

// Size returns the buffer length.
func (f *File) Size() uint64 {
	return uint64(len(f.Data))
}

// Firmware is the set of boot services the loader consumes. After
// ExitBootServices returns, no other method may be called.
type Firmware interface {
	// MemoryMap returns the current physical memory map. Buffers
	// handed out by ReadFile appear as bootloader-owned ranges.
	MemoryMap() (memmap.Map, error)

	// ExitBootServices finalizes the map and transfers memory
	// ownership to the loader. There is no way back.
	ExitBootServices() (memmap.Map, error)

	// ReadFile loads the named file into firmware-allocated memory.
	ReadFile(path string) (*File, error)

	// FileSizeHint returns the expected file size, when the volume
	// can tell ahead of the read. status.Unsupported otherwise.
	FileSizeHint(path string) (uint64, error)

	// StageBuffer places loader-produced bytes (an extracted module,
	// a built table) into firmware-allocated memory.
	StageBuffer(data []byte) (*File, error)

	// TimeMS is a monotonic millisecond clock, valid within a boot.
	TimeMS() uint64

	// Print writes to the firmware console.
	Print(s string)

	// WaitKey blocks for a keypress for up to the given number of
	// seconds. status.Timeout when none arrives.
	WaitKey(seconds uint) (byte, error)

	// SystemTables locates the ACPI, SMBIOS and FDT roots.
	SystemTables() SystemTables

	// MACAddress reports the boot NIC's address when the image was
	// network-loaded.
	MACAddress() (string, bool)
}

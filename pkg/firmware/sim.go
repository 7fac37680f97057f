// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package firmware

import (
	"fmt"
	"strings"

	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/status"
)

// Machine simulates a firmware-hosted physical address space: a flat
// RAM window, an e820-style map, and a file volume. It backs the
// loader end to end, which is also what the tests drive.
type Machine struct {
	base uint64
	ram  []byte

	ranges memmap.Map
	files  map[string][]byte
	tables SystemTables
	mac    string

	exited  bool
	clock   uint64
	keys    []byte
	console strings.Builder

	flushes int
	commits int
}

// NewMachine builds a machine whose RAM window covers
// [base, base+size) and whose firmware map is m. Ranges outside the
// window may appear in the map but cannot be read or written.
func NewMachine(base, size uint64, m memmap.Map, files map[string][]byte) (*Machine, error) {
	merged, err := m.Merge()
	if err != nil {
		return nil, err
	}
	return &Machine{
		base:   base,
		ram:    make([]byte, size),
		ranges: merged,
		files:  files,
	}, nil
}

// SetSystemTables installs the table addresses reported to the loader.
func (m *Machine) SetSystemTables(t SystemTables) { m.tables = t }

// SetMAC marks the machine as network-booted.
func (m *Machine) SetMAC(mac string) { m.mac = mac }

// PressKey queues a keypress for the next WaitKey.
func (m *Machine) PressKey(k byte) { m.keys = append(m.keys, k) }

// Console returns everything printed so far.
func (m *Machine) Console() string { return m.console.String() }

// Flushes returns how many executable-range cache flushes ran.
func (m *Machine) Flushes() int { return m.flushes }

// Commits returns how many copy passes committed.
func (m *Machine) Commits() int { return m.commits }

// ReadAt implements reloc.Memory.
func (m *Machine) ReadAt(p []byte, addr uint64) error {
	if err := m.check(addr, uint64(len(p))); err != nil {
		return err
	}
	copy(p, m.ram[addr-m.base:])
	return nil
}

// WriteAt implements reloc.Memory.
func (m *Machine) WriteAt(p []byte, addr uint64) error {
	if err := m.check(addr, uint64(len(p))); err != nil {
		return err
	}
	copy(m.ram[addr-m.base:], p)
	return nil
}

// FlushRange implements reloc.CacheOps.
func (m *Machine) FlushRange(addr, size uint64) { m.flushes++ }

// Commit implements reloc.CacheOps.
func (m *Machine) Commit() { m.commits++ }

// Bytes returns the live bytes at [addr, addr+size).
func (m *Machine) Bytes(addr, size uint64) ([]byte, error) {
	if err := m.check(addr, size); err != nil {
		return nil, err
	}
	return m.ram[addr-m.base : addr-m.base+size], nil
}

func (m *Machine) check(addr, size uint64) error {
	if addr < m.base || addr+size > m.base+uint64(len(m.ram)) || addr+size < addr {
		return fmt.Errorf("access at %#x+%#x outside simulated RAM: %w",
			addr, size, status.InvalidParameter)
	}
	return nil
}

// MemoryMap implements Firmware.
func (m *Machine) MemoryMap() (memmap.Map, error) {
	if m.exited {
		return nil, fmt.Errorf("boot services are down: %w", status.Unsupported)
	}
	out := make(memmap.Map, len(m.ranges))
	copy(out, m.ranges)
	return out, nil
}

// ExitBootServices implements Firmware.
func (m *Machine) ExitBootServices() (memmap.Map, error) {
	if m.exited {
		return nil, fmt.Errorf("boot services already exited: %w", status.Unsupported)
	}
	m.exited = true
	out := make(memmap.Map, len(m.ranges))
	copy(out, m.ranges)
	return out, nil
}

// Exited reports whether boot services were shut down.
func (m *Machine) Exited() bool { return m.exited }

// ReadFile implements Firmware: the file lands in a firmware-chosen
// buffer which the reported map shows as bootloader-owned.
func (m *Machine) ReadFile(path string) (*File, error) {
	if m.exited {
		return nil, fmt.Errorf("boot services are down: %w", status.Unsupported)
	}
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, status.NotFound)
	}
	if len(data) == 0 {
		return &File{}, nil
	}

	addr, err := m.allocBuffer(uint64(len(data)))
	if err != nil {
		return nil, err
	}
	view := m.ram[addr-m.base : addr-m.base+uint64(len(data))]
	copy(view, data)
	return &File{Addr: addr, Data: view}, nil
}

// allocBuffer carves a page-aligned buffer out of available memory
// inside the RAM window and marks it bootloader-owned.
func (m *Machine) allocBuffer(size uint64) (uint64, error) {
	const pageSize = 0x1000
	for _, r := range m.ranges {
		if r.Type != memmap.RangeAvailable {
			continue
		}
		base := (r.Base + pageSize - 1) &^ (pageSize - 1)
		if base == 0 {
			// Page zero is never handed out: a buffer there would
			// be indistinguishable from a null source.
			base = pageSize
		}
		if base+size > r.End() || base < m.base || base+size > m.base+uint64(len(m.ram)) {
			continue
		}
		m.ranges = m.ranges.Blacklist(memmap.Range{Base: base, Size: size})
		// The loader sees its own file buffers as bootloader-owned.
		for i := range m.ranges {
			if m.ranges[i].Type == memmap.RangeBlacklisted {
				m.ranges[i].Type = memmap.RangeBootloader
			}
		}
		return base, nil
	}
	return 0, fmt.Errorf("no room for a %d byte file buffer: %w", size, status.OutOfResources)
}

// StageBuffer implements Firmware.
func (m *Machine) StageBuffer(data []byte) (*File, error) {
	if m.exited {
		return nil, fmt.Errorf("boot services are down: %w", status.Unsupported)
	}
	if len(data) == 0 {
		return &File{}, nil
	}
	addr, err := m.allocBuffer(uint64(len(data)))
	if err != nil {
		return nil, err
	}
	view := m.ram[addr-m.base : addr-m.base+uint64(len(data))]
	copy(view, data)
	return &File{Addr: addr, Data: view}, nil
}

// FileSizeHint implements Firmware.
func (m *Machine) FileSizeHint(path string) (uint64, error) {
	data, ok := m.files[path]
	if !ok {
		return 0, fmt.Errorf("%s: %w", path, status.NotFound)
	}
	return uint64(len(data)), nil
}

// TimeMS implements Firmware.
func (m *Machine) TimeMS() uint64 {
	m.clock += 10
	return m.clock
}

// Print implements Firmware.
func (m *Machine) Print(s string) {
	m.console.WriteString(s)
}

// WaitKey implements Firmware.
func (m *Machine) WaitKey(seconds uint) (byte, error) {
	if len(m.keys) > 0 {
		k := m.keys[0]
		m.keys = m.keys[1:]
		return k, nil
	}
	return 0, fmt.Errorf("no keypress within %ds: %w", seconds, status.Timeout)
}

// SystemTables implements Firmware.
func (m *Machine) SystemTables() SystemTables { return m.tables }

// MACAddress implements Firmware.
func (m *Machine) MACAddress() (string, bool) {
	return m.mac, m.mac != ""
}

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memmap maintains the canonical physical memory map used by
// the loader: an ordered set of typed address ranges with operations
// to merge, blacklist and allocate.
package memmap

import (
	"fmt"
	"sort"

	"github.com/n-canter/mboot/pkg/status"
)

// RangeType classifies a physical address range.
type RangeType uint32

const (
	// RangeAvailable is memory the firmware reports as free.
	RangeAvailable RangeType = iota + 1

	// RangeReserved is memory the firmware claims for itself.
	RangeReserved

	// RangeACPIReclaim holds ACPI tables the kernel may reuse.
	RangeACPIReclaim

	// RangeACPINVS must be preserved across sleep states.
	RangeACPINVS

	// RangeBootloader is owned by the loader: image text and data,
	// file buffers and relocation destinations. Relabeled as
	// available when the map is emitted to the kernel.
	RangeBootloader

	// RangeBlacklisted was available but must not be handed out,
	// typically because it backs a pending relocation source.
	RangeBlacklisted
)

func (t RangeType) String() string {
	switch t {
	case RangeAvailable:
		return "available"
	case RangeReserved:
		return "reserved"
	case RangeACPIReclaim:
		return "ACPI (reclaimable)"
	case RangeACPINVS:
		return "ACPI NVS"
	case RangeBootloader:
		return "bootloader"
	case RangeBlacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// Range is a half-open physical address interval [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

// End returns the exclusive upper bound of r.
func (r Range) End() uint64 {
	return r.Base + r.Size
}

// Overlaps reports whether r and other share at least one byte.
func (r Range) Overlaps(other Range) bool {
	return r.Size != 0 && other.Size != 0 &&
		r.Base < other.End() && other.Base < r.End()
}

// Contains reports whether [addr, addr+size) lies entirely within r.
func (r Range) Contains(addr, size uint64) bool {
	return addr >= r.Base && addr+size <= r.End() && addr+size >= addr
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Base, r.End())
}

// TypedRange is a memory range tagged with its type and firmware
// attribute bits.
type TypedRange struct {
	Range
	Type  RangeType
	Attrs uint64
}

// Map is an ordered set of typed ranges. The canonical form is sorted
// by base, with adjacent same-type same-attribute ranges merged and no
// overlap between ranges of distinct availability.
type Map []TypedRange

// Merge canonicalizes m: sorts by base, drops empty ranges and
// coalesces adjacent ranges of identical type and attributes.
// Overlapping ranges are inconsistent firmware data.
func (m Map) Merge() (Map, error) {
	out := make(Map, 0, len(m))
	for _, r := range m {
		if r.Size == 0 {
			continue
		}
		if r.End() < r.Base {
			return nil, fmt.Errorf("range %v wraps: %w", r.Range, status.InconsistentData)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Base < out[j].Base
	})

	merged := out[:0]
	for _, r := range out {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if r.Base < last.End() {
				return nil, fmt.Errorf("ranges %v and %v overlap: %w",
					last.Range, r.Range, status.InconsistentData)
			}
			if r.Base == last.End() && r.Type == last.Type && r.Attrs == last.Attrs {
				last.Size += r.Size
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged, nil
}

// Blacklist marks the intersection of r with any available range as
// blacklisted, splitting ranges as needed. Idempotent; ranges of other
// types are left alone.
func (m Map) Blacklist(r Range) Map {
	return m.retype(r, RangeAvailable, RangeBlacklisted)
}

// Relabel rewrites every range of type from to type to. Used when the
// final map is emitted: bootloader-owned memory becomes available
// again from the kernel's point of view.
func (m Map) Relabel(from, to RangeType) Map {
	out := make(Map, len(m))
	copy(out, m)
	for i := range out {
		if out[i].Type == from {
			out[i].Type = to
		}
	}
	return out
}

// retype converts the intersection of r with every range of type from
// into type to, splitting as needed.
func (m Map) retype(r Range, from, to RangeType) Map {
	if r.Size == 0 {
		return m
	}
	var out Map
	for _, tr := range m {
		if tr.Type != from || !tr.Overlaps(r) {
			out = append(out, tr)
			continue
		}
		cut := Range{Base: max(tr.Base, r.Base)}
		cut.Size = min(tr.End(), r.End()) - cut.Base
		if cut.Base > tr.Base {
			out = append(out, TypedRange{
				Range: Range{Base: tr.Base, Size: cut.Base - tr.Base},
				Type:  from, Attrs: tr.Attrs,
			})
		}
		out = append(out, TypedRange{Range: cut, Type: to, Attrs: tr.Attrs})
		if cut.End() < tr.End() {
			out = append(out, TypedRange{
				Range: Range{Base: cut.End(), Size: tr.End() - cut.End()},
				Type:  from, Attrs: tr.Attrs,
			})
		}
	}
	merged, err := out.Merge()
	if err != nil {
		// Splitting a canonical map cannot introduce overlap.
		panic(err)
	}
	return merged
}

// AvailableBelow sums available bytes under limit, across every
// available range that starts below it.
func (m Map) AvailableBelow(limit uint64) uint64 {
	var total uint64
	for _, r := range m {
		if r.Type != RangeAvailable || r.Base >= limit {
			continue
		}
		total += min(r.End(), limit) - r.Base
	}
	return total
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

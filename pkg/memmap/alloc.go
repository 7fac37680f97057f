// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memmap

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/status"
)

// Class restricts where an allocation may land.
type Class int

const (
	// ClassAny places the allocation anywhere in available memory.
	ClassAny Class = iota

	// ClassBelow4G keeps the allocation under the 4 GiB boundary,
	// for kernels and tables that are read through 32-bit pointers.
	ClassBelow4G
)

const limit4G = uint64(1) << 32

// Allocator hands out ranges from the canonical memory map. Allocated
// ranges are retyped as bootloader-owned so later allocations can
// never overlap them; what remains available after the placement phase
// is, by construction, safe memory.
type Allocator struct {
	m Map
}

// NewAllocator canonicalizes m and wraps it in an allocator.
func NewAllocator(m Map) (*Allocator, error) {
	merged, err := m.Merge()
	if err != nil {
		return nil, err
	}
	return &Allocator{m: merged}, nil
}

// Map returns the current map. The returned slice is shared; callers
// must not modify it.
func (a *Allocator) Map() Map {
	return a.m
}

// Blacklist removes [r.Base, r.End()) from the available pool.
func (a *Allocator) Blacklist(r Range) {
	a.m = a.m.Blacklist(r)
}

// Alloc reserves size bytes aligned to align, honoring class. The
// lowest qualifying range wins.
func (a *Allocator) Alloc(size, align uint64, class Class) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-sized allocation: %w", status.InvalidParameter)
	}
	for _, r := range a.m {
		if r.Type != RangeAvailable {
			continue
		}
		base := alignUp(r.Base, align)
		if base == 0 {
			// Address zero stays unallocated: a null address means
			// "no source" to the relocation machinery.
			base = alignUp(1, align)
		}
		if base < r.Base || base+size < base || base+size > r.End() {
			continue
		}
		if class == ClassBelow4G && base+size > limit4G {
			continue
		}
		a.m = a.m.retype(Range{Base: base, Size: size}, RangeAvailable, RangeBootloader)
		log.Debug().
			Uint64("base", base).
			Uint64("size", size).
			Msg("allocated range")
		return base, nil
	}
	return 0, fmt.Errorf("no available range of %d bytes (align %d): %w",
		size, align, status.OutOfResources)
}

// AllocFixed reserves exactly [base, base+size). Fails unless the
// whole range is currently available.
func (a *Allocator) AllocFixed(base, size uint64) error {
	if size == 0 || base+size < base {
		return fmt.Errorf("bad fixed range %#x+%#x: %w", base, size, status.InvalidParameter)
	}
	for _, r := range a.m {
		if r.Type == RangeAvailable && r.Contains(base, size) {
			a.m = a.m.retype(Range{Base: base, Size: size}, RangeAvailable, RangeBootloader)
			return nil
		}
	}
	return fmt.Errorf("range %#x+%#x not available: %w", base, size, status.OutOfResources)
}

// Object describes one member of a placement group.
type Object struct {
	Size  uint64
	Align uint64
}

// PlaceGroup assigns an address to each object, preferring a single
// contiguous block:
//
//  1. with a preferred base, try that exact spot, aligned up to the
//     group's worst-case alignment;
//  2. otherwise try one contiguous allocation sized for the whole
//     group, placing members in order with alignment padding;
//  3. as a last resort place every object separately.
//
// The group base is aligned by the worst-case alignment so the
// inter-object padding computed during sizing stays valid.
func (a *Allocator) PlaceGroup(preferred uint64, objs []Object, class Class) ([]uint64, error) {
	if len(objs) == 0 {
		return nil, nil
	}

	var maxAlign, total uint64 = 1, 0
	offsets := make([]uint64, len(objs))
	for i, o := range objs {
		if o.Size == 0 {
			return nil, fmt.Errorf("zero-sized object in group: %w", status.InvalidParameter)
		}
		align := o.Align
		if align == 0 {
			align = 1
		}
		if align > maxAlign {
			maxAlign = align
		}
		total = alignUp(total, align)
		offsets[i] = total
		total += o.Size
	}

	assign := func(base uint64) []uint64 {
		addrs := make([]uint64, len(objs))
		for i := range objs {
			addrs[i] = base + offsets[i]
		}
		return addrs
	}

	if preferred != 0 {
		base := alignUp(preferred, maxAlign)
		if err := a.AllocFixed(base, total); err == nil {
			return assign(base), nil
		}
	}
	if base, err := a.Alloc(total, maxAlign, class); err == nil {
		return assign(base), nil
	}

	log.Debug().Int("objects", len(objs)).Msg("no contiguous block, placing group members separately")
	addrs := make([]uint64, len(objs))
	for i, o := range objs {
		base, err := a.Alloc(o.Size, max(o.Align, 1), class)
		if err != nil {
			return nil, err
		}
		addrs[i] = base
	}
	return addrs, nil
}

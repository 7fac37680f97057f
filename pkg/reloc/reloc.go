// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reloc implements the relocation engine: it records where
// every runtime object currently lives, decides where each one must
// land before the kernel is entered, and orders the copies so that no
// copy overwrites the source of a later one.
package reloc

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/status"
)

// Kind classifies a relocation entry.
type Kind byte

const (
	// KindNone marks the table sentinel; the copy routine stops here.
	KindNone Kind = 0

	// KindKernel is a kernel segment. Its destination is assigned by
	// the ELF registrar and treated as a pre-placed fixed allocation.
	KindKernel Kind = 'k'

	// KindModule is an opaque module payload, preferably placed
	// contiguously above the kernel.
	KindModule Kind = 'm'

	// KindSysinfo is boot-information data the kernel will read.
	KindSysinfo Kind = 's'

	// KindTrampoline must land in safe memory: it runs, or is read,
	// after every other copy.
	KindTrampoline Kind = 't'
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "sentinel"
	case KindKernel:
		return "kernel"
	case KindModule:
		return "module"
	case KindSysinfo:
		return "sysinfo"
	case KindTrampoline:
		return "trampoline"
	default:
		return fmt.Sprintf("kind(%#x)", byte(k))
	}
}

// kindRank orders the placement groups: k < m < s < t.
func kindRank(k Kind) int {
	switch k {
	case KindKernel:
		return 0
	case KindModule:
		return 1
	case KindSysinfo:
		return 2
	case KindTrampoline:
		return 3
	default:
		return 4
	}
}

// Entry is one pending copy. A zero Src denotes zero-fill at the
// destination.
type Entry struct {
	Src   uint64
	Dst   uint64
	Size  uint64
	Align uint64
	Kind  Kind

	// origSrc is the address the object was registered with. Cycle
	// breaking may rewrite Src, but runtime address lookups are
	// always against the original location.
	origSrc uint64

	visits int
}

func (e Entry) srcRange() memmap.Range {
	return memmap.Range{Base: e.Src, Size: e.Size}
}

func (e Entry) dstRange() memmap.Range {
	return memmap.Range{Base: e.Dst, Size: e.Size}
}

// Policy carries the placement knobs that differ per architecture and
// boot-info flavor.
type Policy struct {
	// SysinfoClass constrains sysinfo placement. x86 kernels read
	// the info block through 32-bit pointers, so the default there
	// is ClassBelow4G.
	SysinfoClass memmap.Class

	// ModuleClass constrains module placement. Legacy Multiboot
	// kernels address modules with 32-bit pointers.
	ModuleClass memmap.Class

	// LoaderOwned lists memory holding the loader image itself.
	// Blacklisted after placement so trampoline allocations see only
	// true safe memory.
	LoaderOwned []memmap.Range
}

// Engine accumulates relocation entries and computes a safe copy
// order. All cross-entry references are by index.
type Engine struct {
	alloc    *memmap.Allocator
	policy   Policy
	entries  []Entry
	computed bool
}

// New returns an engine allocating from alloc under policy.
func New(alloc *memmap.Allocator, policy Policy) *Engine {
	return &Engine{alloc: alloc, policy: policy}
}

// Register appends an entry. The source region is blacklisted
// immediately so no later placement can allocate on top of it.
func (e *Engine) Register(kind Kind, src, size, dst, align uint64) error {
	if size == 0 {
		return fmt.Errorf("relocation of zero size: %w", status.InvalidParameter)
	}
	if dst+size < dst {
		return fmt.Errorf("relocation %#x+%#x wraps: %w", dst, size, status.InvalidParameter)
	}
	if kind == KindKernel {
		// Kernel segments arrive pre-placed by the ELF registrar.
		if align > 1 {
			return fmt.Errorf("kernel segment with alignment %d: %w", align, status.InvalidParameter)
		}
		if dst == 0 {
			return fmt.Errorf("kernel segment with null destination: %w", status.InvalidParameter)
		}
	}
	if e.computed {
		return fmt.Errorf("register after compute: %w", status.InvalidParameter)
	}
	if src != 0 {
		e.alloc.Blacklist(memmap.Range{Base: src, Size: size})
	}
	e.entries = append(e.entries, Entry{
		Src: src, Dst: dst, Size: size, Align: align, Kind: kind,
		origSrc: src,
	})
	return nil
}

// Compute places every entry, orders the copies and terminates the
// table with a sentinel. mem is needed because breaking a copy cycle
// moves the victim's source bytes out of the way immediately.
//
// Compute is not transactional: on failure the allocator state is
// spent and the load must restart.
func (e *Engine) Compute(mem Memory) error {
	if e.computed {
		return fmt.Errorf("compute ran twice: %w", status.InvalidParameter)
	}
	if len(e.entries) == 0 {
		return fmt.Errorf("empty relocation table: %w", status.InvalidParameter)
	}

	sort.SliceStable(e.entries, func(i, j int) bool {
		return kindRank(e.entries[i].Kind) < kindRank(e.entries[j].Kind)
	})

	// Kernel segments are pre-placed; everything after them keys off
	// the end of kernel memory.
	var kmemEnd uint64
	for _, ent := range e.entries {
		if ent.Kind == KindKernel && ent.Dst+ent.Size > kmemEnd {
			kmemEnd = ent.Dst + ent.Size
		}
	}

	if err := e.placeGroup(KindSysinfo, kmemEnd, e.policy.SysinfoClass); err != nil {
		return err
	}
	if err := e.placeGroup(KindModule, 0, e.policy.ModuleClass); err != nil {
		return err
	}

	for _, r := range e.policy.LoaderOwned {
		e.alloc.Blacklist(r)
	}

	// Any trampoline objects registered ahead of install land in
	// what is now provably safe memory.
	if err := e.placeGroup(KindTrampoline, 0, memmap.ClassAny); err != nil {
		return err
	}

	if err := e.order(mem); err != nil {
		return err
	}

	e.entries = append(e.entries, Entry{})
	e.computed = true

	log.Debug().Int("entries", len(e.entries)-1).Uint64("kmem_end", kmemEnd).
		Msg("relocation table computed")
	return nil
}

// placeGroup assigns destinations to every entry of the given kind
// that does not have one yet.
func (e *Engine) placeGroup(kind Kind, preferred uint64, class memmap.Class) error {
	var idx []int
	var objs []memmap.Object
	for i, ent := range e.entries {
		if ent.Kind == kind && ent.Dst == 0 {
			idx = append(idx, i)
			objs = append(objs, memmap.Object{Size: ent.Size, Align: ent.Align})
		}
	}
	if len(idx) == 0 {
		return nil
	}
	addrs, err := e.alloc.PlaceGroup(preferred, objs, class)
	if err != nil {
		return fmt.Errorf("placing %s group: %w", kind, err)
	}
	for n, i := range idx {
		e.entries[i].Dst = addrs[n]
	}
	return nil
}

// RuntimeAddr maps an address inside any registered object to where it
// will live after the copy pass.
func (e *Engine) RuntimeAddr(src uint64) (uint64, error) {
	for _, ent := range e.entries {
		if ent.Kind == KindNone || ent.origSrc == 0 {
			continue
		}
		if src >= ent.origSrc && src < ent.origSrc+ent.Size {
			return ent.Dst + (src - ent.origSrc), nil
		}
	}
	return 0, fmt.Errorf("no relocation covers %#x: %w", src, status.NotFound)
}

// AllocSafe reserves safe memory. Only meaningful after Compute, when
// the remaining available pool is safe by construction.
func (e *Engine) AllocSafe(size, align uint64) (uint64, error) {
	return e.alloc.Alloc(size, align, memmap.ClassAny)
}

// Table returns the computed table, sentinel included.
func (e *Engine) Table() ([]Entry, error) {
	if !e.computed {
		return nil, fmt.Errorf("table requested before compute: %w", status.InvalidParameter)
	}
	out := make([]Entry, len(e.entries))
	copy(out, e.entries)
	return out, nil
}

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n-canter/mboot/pkg/memmap"
)

// checkOrdering verifies the engine's central invariant: no copy may
// overwrite the source of a later copy.
func checkOrdering(t *testing.T, table []Entry) {
	t.Helper()
	for i := 0; i < len(table); i++ {
		if table[i].Kind == KindNone {
			break
		}
		for j := i + 1; j < len(table); j++ {
			if table[j].Kind == KindNone || table[j].Src == 0 {
				continue
			}
			require.False(t, table[i].dstRange().Overlaps(table[j].srcRange()),
				"copy %d (dst %v) clobbers source of copy %d (%v)",
				i, table[i].dstRange(), j, table[j].srcRange())
		}
	}
}

// Two-object cyclic overlap: each entry's destination covers the
// other's source. The engine must evacuate one source to a safe buffer
// and then find a valid order.
func TestOrderBreaksTwoObjectCycle(t *testing.T) {
	mem := newArena(0, 0x10000)
	mem.fill()

	e, _ := newEngine(t, memmap.Map{
		{Range: memmap.Range{Base: 0x3000, Size: 0xD000}, Type: memmap.RangeAvailable},
	}, Policy{})

	origA := mem.slice(0x1000, 0x1000)
	origB := mem.slice(0x1500, 0x1000)

	require.NoError(t, e.Register(KindKernel, 0x1000, 0x1000, 0x1500, 1))
	require.NoError(t, e.Register(KindKernel, 0x1500, 0x1000, 0x1000, 1))
	require.NoError(t, e.Compute(mem))

	table, err := e.Table()
	require.NoError(t, err)
	checkOrdering(t, table)

	// The cycle break must have rewritten exactly one source into
	// the safe region.
	var rewritten int
	for _, ent := range table {
		if ent.Kind != KindNone && ent.Src != ent.origSrc {
			rewritten++
			require.GreaterOrEqual(t, ent.Src, uint64(0x3000))
		}
	}
	require.Equal(t, 1, rewritten)

	require.NoError(t, Run(mem, table))
	require.Equal(t, origB, mem.slice(0x1000, 0x1000))
	require.Equal(t, origA, mem.slice(0x1500, 0x1000))
}

// Two-object forward overlap, no cycle: A's destination covers B's
// source, so B must be sequenced first; no safe buffer is needed.
func TestOrderForwardOverlap(t *testing.T) {
	mem := newArena(0, 0x10000)
	mem.fill()

	e, _ := newEngine(t, memmap.Map{
		{Range: memmap.Range{Base: 0x8000, Size: 0x8000}, Type: memmap.RangeAvailable},
	}, Policy{})

	origA := mem.slice(0x1000, 0x1000)
	origB := mem.slice(0x3500, 0x1000)

	require.NoError(t, e.Register(KindKernel, 0x1000, 0x1000, 0x3000, 1)) // A
	require.NoError(t, e.Register(KindKernel, 0x3500, 0x1000, 0x5000, 1)) // B
	require.NoError(t, e.Compute(mem))

	table, err := e.Table()
	require.NoError(t, err)
	checkOrdering(t, table)

	// B runs before A and no source was rewritten.
	require.Equal(t, uint64(0x3500), table[0].Src)
	require.Equal(t, uint64(0x1000), table[1].Src)
	for _, ent := range table {
		if ent.Kind != KindNone {
			require.Equal(t, ent.origSrc, ent.Src)
		}
	}

	require.NoError(t, Run(mem, table))
	require.Equal(t, origB, mem.slice(0x5000, 0x1000))
	require.Equal(t, origA, mem.slice(0x3000, 0x1000))
}

// A three-entry rotation needs a cycle break too, and the ordering
// invariant must hold for the full table afterwards.
func TestOrderThreeWayCycle(t *testing.T) {
	mem := newArena(0, 0x20000)
	mem.fill()

	e, _ := newEngine(t, memmap.Map{
		{Range: memmap.Range{Base: 0x10000, Size: 0x10000}, Type: memmap.RangeAvailable},
	}, Policy{})

	origA := mem.slice(0x1000, 0x1000)
	origB := mem.slice(0x2000, 0x1000)
	origC := mem.slice(0x3000, 0x1000)

	// A -> B's slot, B -> C's slot, C -> A's slot.
	require.NoError(t, e.Register(KindKernel, 0x1000, 0x1000, 0x2000, 1))
	require.NoError(t, e.Register(KindKernel, 0x2000, 0x1000, 0x3000, 1))
	require.NoError(t, e.Register(KindKernel, 0x3000, 0x1000, 0x1000, 1))
	require.NoError(t, e.Compute(mem))

	table, err := e.Table()
	require.NoError(t, err)
	checkOrdering(t, table)

	require.NoError(t, Run(mem, table))
	require.Equal(t, origA, mem.slice(0x2000, 0x1000))
	require.Equal(t, origB, mem.slice(0x3000, 0x1000))
	require.Equal(t, origC, mem.slice(0x1000, 0x1000))
}

// Zero-fill entries cannot be depended upon and never force a cycle.
func TestOrderZeroFillIsIndependent(t *testing.T) {
	mem := newArena(0, 0x10000)
	mem.fill()

	e, _ := newEngine(t, memmap.Map{
		{Range: memmap.Range{Base: 0x8000, Size: 0x8000}, Type: memmap.RangeAvailable},
	}, Policy{})

	// The zero-fill destination covers the copy's source: the copy
	// must run first.
	require.NoError(t, e.Register(KindKernel, 0, 0x1000, 0x1000, 1))
	require.NoError(t, e.Register(KindKernel, 0x1800, 0x800, 0x4000, 1))
	require.NoError(t, e.Compute(mem))

	table, err := e.Table()
	require.NoError(t, err)
	checkOrdering(t, table)

	orig := mem.slice(0x1800, 0x800)
	require.NoError(t, Run(mem, table))
	require.Equal(t, orig, mem.slice(0x4000, 0x800))
	require.Equal(t, make([]byte, 0x1000), mem.slice(0x1000, 0x1000))
}

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reloc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/n-canter/mboot/pkg/memmap"
)

func TestApplyOverlappingForwardShift(t *testing.T) {
	mem := newArena(0, 0x10000)
	mem.fill()
	orig := mem.slice(0x1000, 0x2000)

	// src < dst with overlap: the high-to-low direction keeps the
	// tail intact while it is being moved.
	require.NoError(t, Apply(mem, Entry{Src: 0x1000, Dst: 0x1800, Size: 0x2000, Kind: KindModule}))
	require.Equal(t, orig, mem.slice(0x1800, 0x2000))
}

func TestApplyOverlappingBackwardShift(t *testing.T) {
	mem := newArena(0, 0x10000)
	mem.fill()
	orig := mem.slice(0x1800, 0x2000)

	require.NoError(t, Apply(mem, Entry{Src: 0x1800, Dst: 0x1000, Size: 0x2000, Kind: KindModule}))
	require.Equal(t, orig, mem.slice(0x1000, 0x2000))
}

func TestApplyZeroFill(t *testing.T) {
	mem := newArena(0, 0x10000)
	mem.fill()

	require.NoError(t, Apply(mem, Entry{Src: 0, Dst: 0x2000, Size: 0x1000, Kind: KindKernel}))
	require.Equal(t, make([]byte, 0x1000), mem.slice(0x2000, 0x1000))
}

func TestRunFlushesExecutableContent(t *testing.T) {
	mem := newArena(0, 0x10000)
	mem.fill()
	mem.flushLog = true

	table := []Entry{
		{Src: 0x1000, Dst: 0x4000, Size: 0x100, Kind: KindKernel},
		{Src: 0x2000, Dst: 0x5000, Size: 0x100, Kind: KindModule},
		{Src: 0x3000, Dst: 0x6000, Size: 0x100, Kind: KindTrampoline},
		{},
	}
	require.NoError(t, Run(mem, table))

	require.Equal(t, []memmap.Range{
		{Base: 0x4000, Size: 0x100},
		{Base: 0x6000, Size: 0x100},
	}, mem.flushed, "only kernel and trampoline copies flush caches")
	require.Equal(t, 1, mem.commits)
}

func TestRunRequiresSentinel(t *testing.T) {
	mem := newArena(0, 0x10000)

	err := Run(mem, []Entry{{Src: 0x1000, Dst: 0x2000, Size: 0x100, Kind: KindModule}})
	require.Error(t, err)

	err = Run(mem, nil)
	require.Error(t, err)
}

func TestRunStopsAtSentinel(t *testing.T) {
	mem := newArena(0, 0x10000)
	mem.fill()

	// The entry after the sentinel must never run.
	table := []Entry{
		{Src: 0x1000, Dst: 0x4000, Size: 0x100, Kind: KindModule},
		{},
		{Src: 0, Dst: 0x4000, Size: 0x100, Kind: KindModule},
	}
	orig := mem.slice(0x1000, 0x100)
	require.NoError(t, Run(mem, table))
	require.Equal(t, orig, mem.slice(0x4000, 0x100))
}

func TestMarshalTable(t *testing.T) {
	table := []Entry{
		{Src: 0x1000, Dst: 0x2000, Size: 0x300, Align: 16, Kind: KindModule},
		{},
	}
	b, err := MarshalTable(table)
	require.NoError(t, err)
	require.Len(t, b, 2*EntrySize)

	require.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(b[0:]))
	require.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(b[8:]))
	require.Equal(t, uint64(0x300), binary.LittleEndian.Uint64(b[16:]))
	require.Equal(t, uint64(16), binary.LittleEndian.Uint64(b[24:]))
	require.Equal(t, byte(KindModule), b[32])

	for _, c := range b[EntrySize:] {
		require.Zero(t, c, "sentinel must be all zero")
	}
}

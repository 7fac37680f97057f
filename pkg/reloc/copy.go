// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reloc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/n-canter/mboot/pkg/status"
)

// Memory is the physical address space the copy pass operates on.
type Memory interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// CacheOps is implemented by memories backing executable content.
// FlushRange runs after each kernel or trampoline copy; Commit runs
// once after the whole pass.
type CacheOps interface {
	FlushRange(addr, size uint64)
	Commit()
}

// copyChunk bounds the scratch buffer used for chunked moves.
const copyChunk = 64 * 1024

// Apply executes a single entry. A null source zeroes the destination.
// Overlapping moves pick the safe direction: when the source sits
// below the destination the copy runs from high to low.
func Apply(mem Memory, e Entry) error {
	if e.Size == 0 {
		return fmt.Errorf("apply of empty entry: %w", status.InvalidParameter)
	}

	switch {
	case e.Src == 0:
		zeros := make([]byte, min(e.Size, copyChunk))
		for off := uint64(0); off < e.Size; {
			n := min(e.Size-off, copyChunk)
			if err := mem.WriteAt(zeros[:n], e.Dst+off); err != nil {
				return err
			}
			off += n
		}

	case e.Src < e.Dst:
		buf := make([]byte, min(e.Size, copyChunk))
		for remaining := e.Size; remaining > 0; {
			n := min(remaining, copyChunk)
			off := remaining - n
			if err := mem.ReadAt(buf[:n], e.Src+off); err != nil {
				return err
			}
			if err := mem.WriteAt(buf[:n], e.Dst+off); err != nil {
				return err
			}
			remaining = off
		}

	default:
		buf := make([]byte, min(e.Size, copyChunk))
		for off := uint64(0); off < e.Size; {
			n := min(e.Size-off, copyChunk)
			if err := mem.ReadAt(buf[:n], e.Src+off); err != nil {
				return err
			}
			if err := mem.WriteAt(buf[:n], e.Dst+off); err != nil {
				return err
			}
			off += n
		}
	}

	if e.Kind == KindKernel || e.Kind == KindTrampoline {
		if c, ok := mem.(CacheOps); ok {
			c.FlushRange(e.Dst, e.Size)
		}
	}
	return nil
}

// Run executes a sentinel-terminated table. This is the reference
// implementation of the copy routine the trampoline performs after
// firmware shutdown.
func Run(mem Memory, table []Entry) error {
	if len(table) == 0 {
		return fmt.Errorf("empty relocation table: %w", status.InconsistentData)
	}
	done := false
	for _, e := range table {
		if e.Kind == KindNone {
			done = true
			break
		}
		if err := Apply(mem, e); err != nil {
			return err
		}
	}
	if !done {
		return fmt.Errorf("relocation table has no sentinel: %w", status.InconsistentData)
	}
	if c, ok := mem.(CacheOps); ok {
		c.Commit()
	}
	return nil
}

// EntrySize is the wire size of one table entry as read by the
// trampoline.
const EntrySize = 40

// wireEntry mirrors the layout the trampoline assembly walks.
type wireEntry struct {
	Src   uint64
	Dst   uint64
	Size  uint64
	Align uint64
	Kind  byte
	_     [7]byte
}

// MarshalTable encodes the table, sentinel included, little-endian.
func MarshalTable(table []Entry) ([]byte, error) {
	buf := bytes.Buffer{}
	for _, e := range table {
		w := wireEntry{Src: e.Src, Dst: e.Dst, Size: e.Size, Align: e.Align, Kind: byte(e.Kind)}
		if err := binary.Write(&buf, binary.LittleEndian, w); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

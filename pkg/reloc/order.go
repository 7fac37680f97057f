// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reloc

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/status"
)

// order permutes the entries so that executing them in sequence never
// overwrites the source of a copy that has not run yet. Quadratic, but
// boot relocations number in the tens to low hundreds.
func (e *Engine) order(mem Memory) error {
	n := len(e.entries)
	resolved := 0
	for resolved < n {
		moved := 0
		for i := resolved; i < n; i++ {
			if e.firstDependency(resolved, i) == -1 {
				e.entries[i], e.entries[resolved+moved] = e.entries[resolved+moved], e.entries[i]
				moved++
			}
		}
		if moved > 0 {
			resolved += moved
			continue
		}
		if err := e.breakCycle(resolved, mem); err != nil {
			return err
		}
	}
	return nil
}

// firstDependency returns the index of the first unresolved entry
// whose source would be clobbered by copying entry i, or -1. A
// zero-fill entry has no source and cannot be depended upon.
func (e *Engine) firstDependency(from, i int) int {
	di := e.entries[i].dstRange()
	for j := from; j < len(e.entries); j++ {
		if j == i || e.entries[j].Src == 0 {
			continue
		}
		if di.Overlaps(e.entries[j].srcRange()) {
			return j
		}
	}
	return -1
}

// breakCycle is called when no unresolved entry is independent. It
// walks first-dependency edges from the largest unresolved entry,
// counting visits; every entry seen twice is on the cycle. The
// smallest of those is evacuated: its source bytes move to a fresh
// safe buffer and its source pointer is rewritten, removing one edge.
func (e *Engine) breakCycle(from int, mem Memory) error {
	n := len(e.entries)

	start := from
	for i := from + 1; i < n; i++ {
		if e.entries[i].Size > e.entries[start].Size {
			start = i
		}
	}

	for i := from; i < n; i++ {
		e.entries[i].visits = 0
	}

	cur := start
	for steps := 0; ; steps++ {
		if steps > 2*(n-from)+2 {
			return fmt.Errorf("dependency walk did not close: %w", status.InconsistentData)
		}
		e.entries[cur].visits++
		next := e.firstDependency(from, cur)
		if next == -1 {
			// Every unresolved entry had a dependency when the walk
			// started; the graph cannot lose edges mid-walk.
			return fmt.Errorf("dependency walk escaped the cycle: %w", status.InconsistentData)
		}
		if e.entries[next].visits >= 2 {
			break
		}
		cur = next
	}

	victim := -1
	for i := from; i < n; i++ {
		if e.entries[i].visits < 2 {
			continue
		}
		if victim == -1 || e.entries[i].Size < e.entries[victim].Size {
			victim = i
		}
	}
	if victim == -1 {
		return fmt.Errorf("cycle walk marked no entry twice: %w", status.InconsistentData)
	}

	v := &e.entries[victim]
	buf, err := e.alloc.Alloc(v.Size, 1, memmap.ClassAny)
	if err != nil {
		return fmt.Errorf("no safe memory to break relocation cycle: %w", err)
	}
	if err := Apply(mem, Entry{Src: v.Src, Dst: buf, Size: v.Size, Kind: v.Kind}); err != nil {
		return err
	}
	log.Debug().
		Uint64("src", v.Src).
		Uint64("buffer", buf).
		Uint64("size", v.Size).
		Msg("relocation cycle broken")
	v.Src = buf
	return nil
}

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elfload validates a kernel ELF image and registers one
// relocation entry per loadable segment. It copies no bytes itself; it
// only records the copies the relocation engine will perform.
//
// The 32/64-bit header families are unified by debug/elf, which
// dispatches on the class byte once at parse time.
package elfload

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/reloc"
	"github.com/n-canter/mboot/pkg/status"
)

// ExecAlign is the execution alignment kernels are linked for.
const ExecAlign = 0x200000

// Options tune where the kernel image may land.
type Options struct {
	// Align overrides the allocation alignment. Zero means ExecAlign.
	Align uint64

	// Class constrains the kernel range. Legacy Multiboot kernels
	// are addressed through 32-bit pointers.
	Class memmap.Class
}

// Register parses the ELF image in buf, secures a destination range
// for the hull of its loadable segments and registers a kernel
// relocation entry per segment, plus a zero-fill entry for each BSS
// tail. bufAddr is the physical address the buffer was loaded at.
//
// The returned address is the post-relocation entry point.
func Register(buf []byte, bufAddr uint64, alloc *memmap.Allocator, eng *reloc.Engine, opts Options) (uint64, error) {
	f, err := parse(buf)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if f.Version != elf.EV_CURRENT {
		log.Warn().Uint8("version", uint8(f.Version)).
			Err(status.IncompatibleVersion.AsWarning()).
			Msg("unexpected ELF version")
	}
	if f.Type != elf.ET_EXEC {
		log.Warn().Str("type", f.Type.String()).
			Err(status.NotExecutable.AsWarning()).
			Msg("image is not an executable")
	}

	var loads []*elf.Prog
	linkBase := ^uint64(0)
	var linkEnd uint64
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > 0 && p.Off+p.Filesz > uint64(len(buf)) {
			return 0, fmt.Errorf("segment at %#x extends past the image: %w",
				p.Off, status.UnexpectedEOF)
		}
		loads = append(loads, p)
		if p.Paddr < linkBase {
			linkBase = p.Paddr
		}
		if p.Paddr+p.Memsz > linkEnd {
			linkEnd = p.Paddr + p.Memsz
		}
	}
	if len(loads) == 0 {
		return 0, fmt.Errorf("no loadable segments: %w", status.BadHeader)
	}

	align := opts.Align
	if align == 0 {
		align = ExecAlign
	}
	base, err := alloc.Alloc(linkEnd-linkBase, align, opts.Class)
	if err != nil {
		return 0, err
	}
	addend := base - linkBase

	log.Debug().
		Uint64("link_base", linkBase).
		Uint64("link_end", linkEnd).
		Uint64("addend", addend).
		Msg("kernel range secured")

	for _, p := range loads {
		if p.Filesz > 0 {
			err := eng.Register(reloc.KindKernel, bufAddr+p.Off, p.Filesz, p.Paddr+addend, 1)
			if err != nil {
				return 0, err
			}
		}
		if p.Memsz > p.Filesz {
			err := eng.Register(reloc.KindKernel, 0, p.Memsz-p.Filesz, p.Paddr+addend+p.Filesz, 1)
			if err != nil {
				return 0, err
			}
		}
	}

	return f.Entry + addend, nil
}

// parse validates the identification bytes before debug/elf touches
// anything, so a rejected image leaves no state behind.
func parse(buf []byte) (*elf.File, error) {
	if len(buf) < elf.EI_NIDENT || !bytes.HasPrefix(buf, []byte(elf.ELFMAG)) {
		return nil, fmt.Errorf("not an ELF image: %w", status.BadType)
	}

	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("parsing ELF image: %w", status.BadType)
	}

	ok := false
	switch f.Class {
	case elf.ELFCLASS64:
		ok = f.Machine == elf.EM_X86_64
	case elf.ELFCLASS32:
		ok = f.Machine == elf.EM_386
	}
	if !ok || f.Data != elf.ELFDATA2LSB {
		f.Close()
		return nil, fmt.Errorf("image built for %v/%v/%v: %w",
			f.Class, f.Data, f.Machine, status.BadArch)
	}
	return f, nil
}

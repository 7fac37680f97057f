// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package boot drives the whole load: config parse, module load, ELF
// registration, relocation, info-block construction, trampoline
// install, firmware shutdown and the final copy pass. The sequence is
// strictly ordered; every stage depends on every earlier one.
package boot

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/bootcfg"
	"github.com/n-canter/mboot/pkg/elfload"
	"github.com/n-canter/mboot/pkg/esxbootinfo"
	"github.com/n-canter/mboot/pkg/firmware"
	"github.com/n-canter/mboot/pkg/handoff"
	"github.com/n-canter/mboot/pkg/memmap"
	"github.com/n-canter/mboot/pkg/module"
	"github.com/n-canter/mboot/pkg/multiboot"
	"github.com/n-canter/mboot/pkg/reloc"
	"github.com/n-canter/mboot/pkg/status"
)

const loaderName = "mboot"

// Flavor is the boot-info dialect the kernel speaks, detected from
// its image.
type Flavor int

const (
	FlavorESXBootInfo Flavor = iota
	FlavorMultiboot
)

func (f Flavor) String() string {
	if f == FlavorMultiboot {
		return "multiboot"
	}
	return "esxbootinfo"
}

// Options parameterize a load.
type Options struct {
	// ConfigPath overrides the boot.cfg search.
	ConfigPath string

	// Stub is the architecture trampoline stub. handoff.DefaultStub
	// when nil.
	Stub []byte
}

// Outcome reports where the load ended: either a skip back to
// firmware, or a fully staged kernel.
type Outcome struct {
	Skipped bool

	Flavor   Flavor
	Magic    uint32
	Entry    uint64
	InfoAddr uint64

	TrampolineEntry uint64
	RecordAddr      uint64
}

// Context threads the load's state through every stage. The driver
// owns it; nothing here is global.
type Context struct {
	FW  firmware.Firmware
	Mem reloc.Memory

	Config  *bootcfg.Config
	Modules []*module.Module
	Flavor  Flavor

	Alloc  *memmap.Allocator
	Engine *reloc.Engine
	Tramp  *handoff.Trampoline

	mbHeader multiboot.Header
	entry    uint64
	builder  infoBuilder
	payloads []payload
	shutdown bool
}

// reportError prints a diagnostic on the firmware console and waits
// for a keypress per the configured error timeout; a negative timeout
// hangs until a key arrives.
func (ctx *Context) reportError(err error) {
	ctx.FW.Print("mboot: " + err.Error() + "\n")

	seconds := bootcfg.DefaultErrTimeout
	if ctx.Config != nil {
		seconds = ctx.Config.ErrTimeout
	}
	if seconds < 0 {
		for {
			if _, kerr := ctx.FW.WaitKey(^uint(0)); kerr == nil {
				return
			}
		}
	}
	if seconds > 0 {
		_, _ = ctx.FW.WaitKey(uint(seconds))
	}
}

// payload is a loaded object destined for the module table.
type payload struct {
	addr    uint64
	size    uint64
	cmdline string
}

// infoBuilder is satisfied by both info-block flavors.
type infoBuilder interface {
	Reserve() error
	Emit(reloc.Memory) error
	InfoAddr() (uint64, error)
}

// Run performs a complete load on fw, with mem giving the engine
// access to physical memory (for the simulated machine both are the
// same object).
func Run(fw firmware.Firmware, mem reloc.Memory, opts Options) (*Outcome, error) {
	ctx := &Context{FW: fw, Mem: mem}
	out, err := ctx.run(opts)
	if err != nil && !ctx.shutdown {
		// Pre-shutdown failures show a diagnostic, optionally wait
		// for a keypress, and return to firmware so the boot
		// manager can try the next entry.
		ctx.reportError(err)
	}
	return out, err
}

func (ctx *Context) run(opts Options) (*Outcome, error) {
	fw, mem := ctx.FW, ctx.Mem

	if err := ctx.loadConfig(opts.ConfigPath); err != nil {
		return nil, err
	}
	if ctx.Config.Skip {
		// Abort with success so the firmware boot manager advances
		// to the next entry.
		log.Info().Msg("skip=1, returning to firmware")
		return &Outcome{Skipped: true}, nil
	}
	if ctx.Config.Title != "" {
		fw.Print(ctx.Config.Title + "\n")
	}

	if err := ctx.loadModules(); err != nil {
		return nil, err
	}
	if err := ctx.detectFlavor(); err != nil {
		return nil, err
	}
	if err := ctx.prepareEngine(); err != nil {
		return nil, err
	}
	if err := ctx.registerKernel(); err != nil {
		return nil, err
	}
	if err := ctx.registerModules(); err != nil {
		return nil, err
	}
	if err := ctx.reserveInfo(); err != nil {
		return nil, err
	}

	if err := ctx.Engine.Compute(mem); err != nil {
		return nil, err
	}

	stub := opts.Stub
	if stub == nil {
		stub = handoff.DefaultStub()
	}
	tramp, err := handoff.Install(ctx.Engine, mem, stub)
	if err != nil {
		return nil, err
	}
	ctx.Tramp = tramp

	if err := ctx.builder.Emit(mem); err != nil {
		return nil, err
	}
	infoAddr, err := ctx.builder.InfoAddr()
	if err != nil {
		return nil, err
	}

	magic := uint32(esxbootinfo.Magic)
	if ctx.Flavor == FlavorMultiboot {
		magic = multiboot.Magic
	}
	if err := tramp.SetInfoBlock(infoAddr, mem); err != nil {
		return nil, err
	}
	if err := tramp.SetKernel(ctx.entry, magic, mem); err != nil {
		return nil, err
	}

	log.Info().
		Stringer("flavor", ctx.Flavor).
		Uint64("entry", ctx.entry).
		Uint64("info", infoAddr).
		Msg("shutting down firmware")
	if _, err := fw.ExitBootServices(); err != nil {
		return nil, err
	}
	ctx.shutdown = true

	// Past this point failure halts: there is no firmware to return
	// to.
	if err := tramp.Fire(mem); err != nil {
		return nil, fmt.Errorf("copy pass failed after firmware shutdown: %w", err)
	}

	return &Outcome{
		Flavor:          ctx.Flavor,
		Magic:           magic,
		Entry:           ctx.entry,
		InfoAddr:        infoAddr,
		TrampolineEntry: tramp.Entry,
		RecordAddr:      tramp.RecordAddr,
	}, nil
}

// loadConfig finds and parses boot.cfg. Network boots try the
// per-MAC location first.
func (ctx *Context) loadConfig(override string) error {
	paths := []string{override}
	if override == "" {
		mac, _ := ctx.FW.MACAddress()
		paths = bootcfg.CandidatePaths(mac)
	}

	var lastErr error
	for _, p := range paths {
		f, err := ctx.FW.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		cfg, err := bootcfg.Parse(f.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		log.Debug().Str("path", p).Msg("configuration loaded")
		ctx.Config = cfg
		return nil
	}
	return fmt.Errorf("no usable configuration: %w", lastErr)
}

// loadModules loads the kernel (module zero), the payload modules,
// the crypto module and the ACPI tables.
func (ctx *Context) loadModules() error {
	cfg := ctx.Config

	kernelCmd := cfg.Kernel
	if cfg.KernelOpt != "" {
		kernelCmd += " " + cfg.KernelOpt
	}
	if mac, ok := ctx.FW.MACAddress(); ok && !cfg.NoBootIf {
		kernelCmd += " BOOTIF=" + mac
	}

	mods := []*module.Module{{Path: cfg.Resolve(cfg.Kernel), CmdLine: kernelCmd}}
	for _, ref := range cfg.Modules {
		cmdline := ref.Path
		if ref.Options != "" {
			cmdline += " " + ref.Options
		}
		mods = append(mods, &module.Module{Path: cfg.Resolve(ref.Path), CmdLine: cmdline})
	}
	if cfg.Crypto != "" {
		mods = append(mods, &module.Module{Path: cfg.Resolve(cfg.Crypto), CmdLine: cfg.Crypto})
	}
	for _, t := range cfg.ACPITables {
		mods = append(mods, &module.Module{Path: cfg.Resolve(t), CmdLine: t})
	}

	for _, m := range mods {
		if err := m.Load(ctx.FW); err != nil {
			return err
		}
	}
	ctx.Modules = mods
	return nil
}

// detectFlavor scans the kernel image for a boot-info header,
// preferring ESXBootInfo over legacy Multiboot.
func (ctx *Context) detectFlavor() error {
	window, err := elfload.HeaderWindow(ctx.kernel().File.Data)
	if err != nil {
		return err
	}
	if _, err := esxbootinfo.ParseHeader(window); err == nil {
		ctx.Flavor = FlavorESXBootInfo
		return nil
	}
	hdr, err := multiboot.ParseHeader(window)
	if err == nil {
		ctx.Flavor = FlavorMultiboot
		ctx.mbHeader = hdr
		return nil
	}
	if errors.Is(err, status.Unsupported) {
		return err
	}
	return fmt.Errorf("kernel carries no boot-info header: %w", status.BadType)
}

func (ctx *Context) kernel() *module.Module {
	return ctx.Modules[0]
}

// prepareEngine captures the firmware memory map and builds the
// allocator and engine under the flavor's placement policy.
func (ctx *Context) prepareEngine() error {
	m, err := ctx.FW.MemoryMap()
	if err != nil {
		return err
	}
	alloc, err := memmap.NewAllocator(m)
	if err != nil {
		return err
	}

	policy := reloc.Policy{
		SysinfoClass: memmap.ClassBelow4G,
		ModuleClass:  memmap.ClassAny,
	}
	if ctx.Flavor == FlavorMultiboot {
		// Legacy kernels address modules through 32-bit pointers.
		policy.ModuleClass = memmap.ClassBelow4G
	}

	ctx.Alloc = alloc
	ctx.Engine = reloc.New(alloc, policy)
	return nil
}

// registerKernel runs the ELF registrar over module zero.
func (ctx *Context) registerKernel() error {
	class := memmap.ClassAny
	if ctx.Flavor == FlavorMultiboot {
		class = memmap.ClassBelow4G
	}
	k := ctx.kernel()
	entry, err := elfload.Register(k.File.Data, k.File.Addr, ctx.Alloc, ctx.Engine, elfload.Options{
		Class: class,
	})
	if err != nil {
		return fmt.Errorf("registering %s: %w", k.Path, err)
	}
	ctx.entry = entry
	return nil
}

// registerModules registers every non-kernel payload for relocation.
func (ctx *Context) registerModules() error {
	const pageAlign = 0x1000
	for _, m := range ctx.Modules[1:] {
		if m.Size == 0 {
			log.Warn().Str("path", m.Path).Msg("skipping empty module")
			continue
		}
		if err := ctx.Engine.Register(reloc.KindModule, m.File.Addr, m.Size, 0, pageAlign); err != nil {
			return fmt.Errorf("registering %s: %w", m.Path, err)
		}
		ctx.payloads = append(ctx.payloads, payload{
			addr:    m.File.Addr,
			size:    m.Size,
			cmdline: m.CmdLine,
		})
	}
	return nil
}

// reserveInfo sizes and registers the flavor's info block.
func (ctx *Context) reserveInfo() error {
	switch ctx.Flavor {
	case FlavorMultiboot:
		b := multiboot.NewBuilder(ctx.Engine, ctx.Alloc)
		b.CmdLine = ctx.kernel().CmdLine
		b.BootLoaderName = loaderName
		b.WantMemory = ctx.mbHeader.WantMemoryInfo()
		for _, p := range ctx.payloads {
			b.Modules = append(b.Modules, multiboot.ModuleDesc{
				Payload: p.addr, Size: p.size, CmdLine: p.cmdline,
			})
		}
		ctx.builder = b

	default:
		b := esxbootinfo.NewBuilder(ctx.Engine, ctx.Alloc)
		b.CmdLine = ctx.kernel().CmdLine
		b.LoaderName = loaderName
		for _, p := range ctx.payloads {
			b.Modules = append(b.Modules, esxbootinfo.ModuleDesc{
				Payload: p.addr, Size: p.size, CmdLine: p.cmdline,
			})
		}
		tables := ctx.FW.SystemTables()
		if tables.EFISystemTable != 0 {
			flags := esxbootinfo.EFIFlag64Bit
			if !ctx.Config.NoRTS {
				flags |= esxbootinfo.EFIFlagRuntimeSvcs
			}
			b.EFI = &esxbootinfo.EFI{Flags: flags, SystemTable: tables.EFISystemTable}
		}
		ctx.builder = b
	}
	return ctx.builder.Reserve()
}

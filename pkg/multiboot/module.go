// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Module table layout as defined in
// https://www.gnu.org/software/grub/manual/multiboot/multiboot.html#Boot-information-format

package multiboot

import "encoding/binary"

// wireModule is one entry of the info block's module table.
type wireModule struct {
	// Start is the inclusive start of the module payload.
	Start uint32

	// End is the exclusive end of the module payload.
	End uint32

	// CmdLine points to a zero-terminated ASCII string.
	CmdLine uint32

	// Reserved is always zero.
	Reserved uint32
}

var sizeofModule = uint32(binary.Size(wireModule{}))

// ModuleDesc describes one loaded module to the builder. Payload is
// the module's current (pre-relocation) physical address; the builder
// translates it through the engine when the table is emitted.
type ModuleDesc struct {
	Payload uint64
	Size    uint64
	CmdLine string
}

// modulePool lays out the command-line string pool for a module
// table: every string zero-terminated, offsets recorded in order.
func modulePool(mods []ModuleDesc) (pool []byte, offsets []uint32) {
	for _, m := range mods {
		offsets = append(offsets, uint32(len(pool)))
		pool = append(pool, m.CmdLine...)
		pool = append(pool, 0)
	}
	return pool, offsets
}

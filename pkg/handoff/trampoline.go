// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package handoff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// The trampoline stub is architecture-specific machine code supplied
// at build time. It must carry the label below; the quad word right
// after it is patched with the runtime address of the hand-off
// record before the stub is copied to safe memory. The stub switches
// to the record's stack, runs the copy routine over the relocation
// table, and enters the kernel with (magic, info block).
const TrampolineHandoff = "mboot-handoff-quad"

// patchStub returns a copy of stub with the hand-off record address
// patched in after the label.
func patchStub(stub []byte, recordAddr uint64) ([]byte, error) {
	code := bytes.Clone(stub)

	label := []byte(TrampolineHandoff)
	ind := bytes.Index(code, label)
	if ind == -1 {
		return nil, fmt.Errorf("%q label not found in trampoline stub", label)
	}
	if len(code) < ind+len(label)+8 {
		return nil, io.ErrUnexpectedEOF
	}
	binary.LittleEndian.PutUint64(code[ind+len(label):], recordAddr)
	return code, nil
}

// DefaultStub is a placeholder trampoline for hosted runs and tests:
// the label and its patch slot, preceded by a halt so jumping to it
// can never fall through into garbage. Production images replace it
// with the real stub for the target architecture.
func DefaultStub() []byte {
	stub := []byte{0xF4} // hlt
	stub = append(stub, []byte(TrampolineHandoff)...)
	stub = append(stub, make([]byte, 8)...)
	return stub
}

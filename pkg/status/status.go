// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package status defines the flat error enumeration shared by every
// loader stage. A Status with the sign bit set is a warning: the same
// kind, but the caller may continue.
package status

import "fmt"

// Status identifies the outcome of a loader operation.
type Status int32

const (
	Success Status = iota
	InvalidParameter
	NotFound
	OutOfResources
	Unsupported
	BadType
	BadArch
	BadHeader
	UnexpectedEOF
	NotExecutable
	VolumeCorrupted
	IncompatibleVersion
	Timeout
	Aborted
	Syntax
	Insecure
	SecurityViolation
	BufferTooSmall
	InconsistentData
)

// warningBit is the sign bit of the 32-bit status word.
const warningBit = Status(-1) << 31

var names = map[Status]string{
	Success:             "success",
	InvalidParameter:    "invalid parameter",
	NotFound:            "not found",
	OutOfResources:      "out of resources",
	Unsupported:         "unsupported",
	BadType:             "bad type",
	BadArch:             "bad architecture",
	BadHeader:           "bad header",
	UnexpectedEOF:       "unexpected end of file",
	NotExecutable:       "not executable",
	VolumeCorrupted:     "volume corrupted",
	IncompatibleVersion: "incompatible version",
	Timeout:             "timeout",
	Aborted:             "aborted",
	Syntax:              "syntax error",
	Insecure:            "insecure",
	SecurityViolation:   "security violation",
	BufferTooSmall:      "buffer too small",
	InconsistentData:    "inconsistent data",
}

// AsWarning returns s with the warning bit set.
func (s Status) AsWarning() Status {
	return s.Kind() | warningBit
}

// IsWarning reports whether the warning bit is set.
func (s Status) IsWarning() bool {
	return s&warningBit != 0
}

// Kind strips the warning bit.
func (s Status) Kind() Status {
	return s &^ warningBit
}

func (s Status) String() string {
	name, ok := names[s.Kind()]
	if !ok {
		name = fmt.Sprintf("status(%d)", int32(s.Kind()))
	}
	if s.IsWarning() {
		return "warning: " + name
	}
	return name
}

// Error makes Status usable as an error value. Success is still a
// valid error when wrapped; callers compare with errors.Is.
func (s Status) Error() string {
	return s.String()
}

// Is matches any status of the same kind, so errors.Is(err, BadType)
// holds for both the error and its warning form.
func (s Status) Is(target error) bool {
	t, ok := target.(Status)
	if !ok {
		return false
	}
	return s.Kind() == t.Kind()
}

// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package module manages the loader's named input files: the kernel
// (module zero) and the opaque payloads handed to it. Modules may be
// gzip- or xz-compressed; a payload that is neither passes through
// untouched.
package module

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"github.com/ulikunitz/xz"

	"github.com/n-canter/mboot/pkg/firmware"
	"github.com/n-canter/mboot/pkg/status"
)

// Module is a named input file. Module zero is the kernel; subsequent
// modules are opaque payloads.
type Module struct {
	Path    string
	CmdLine string

	// File is the decompressed payload, live in physical memory.
	File *firmware.File

	// CompressedSize and Size are the on-volume and in-memory byte
	// counts; they match for uncompressed modules.
	CompressedSize uint64
	Size           uint64

	// CompressedDigest and Digest fingerprint both forms.
	CompressedDigest [md5.Size]byte
	Digest           [md5.Size]byte

	Loaded bool
}

// Load reads, fingerprints and extracts the module. Payloads that are
// not a recognized compression container load as-is; a recognized but
// corrupt container is fatal.
func (m *Module) Load(fw firmware.Firmware) error {
	if m.Loaded {
		return nil
	}

	if _, err := fw.FileSizeHint(m.Path); err != nil {
		// No size hint just means no progress reporting.
		log.Debug().Str("path", m.Path).Msg("volume gave no size hint")
	}

	f, err := fw.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("loading %s: %w", m.Path, err)
	}
	m.CompressedSize = f.Size()
	m.CompressedDigest = md5.Sum(f.Data)

	data, extracted, err := extract(m.Path, f.Data)
	if err != nil {
		return err
	}
	if extracted {
		staged, err := fw.StageBuffer(data)
		if err != nil {
			return fmt.Errorf("staging extracted %s: %w", m.Path, err)
		}
		m.File = staged
	} else {
		m.File = f
	}

	m.Size = m.File.Size()
	m.Digest = md5.Sum(m.File.Data)
	m.Loaded = true

	log.Info().
		Str("path", m.Path).
		Str("size", humanize.IBytes(m.Size)).
		Bool("compressed", extracted).
		Msg("module loaded")
	return nil
}

// Unload drops the payload reference so a rewind can reuse the
// memory. Fingerprints and sizes survive.
func (m *Module) Unload() {
	m.File = nil
	m.Loaded = false
}

// extract peels one recognized compression container off data. An
// unrecognized container is tolerated (vendor payloads ship
// uncompressed under compressed names); a recognized container that
// fails mid-stream is not.
func extract(path string, data []byte) ([]byte, bool, error) {
	if zr, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
		out, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, false, fmt.Errorf("%s: truncated gzip stream: %w", path, status.VolumeCorrupted)
		}
		return out, true, nil
	}

	if xr, err := xz.NewReader(bytes.NewReader(data)); err == nil {
		out, err := io.ReadAll(xr)
		if err != nil {
			return nil, false, fmt.Errorf("%s: truncated xz stream: %w", path, status.VolumeCorrupted)
		}
		return out, true, nil
	}

	log.Warn().Str("path", path).
		Err(status.BadType.AsWarning()).
		Msg("module is not compressed, loading as-is")
	return data, false, nil
}

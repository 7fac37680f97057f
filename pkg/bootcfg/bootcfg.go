// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bootcfg parses the loader's line-oriented key=value
// configuration file (boot.cfg).
package bootcfg

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/n-canter/mboot/pkg/status"
)

// ListSeparator splits multi-valued keys such as modules and
// acpitables.
const ListSeparator = "---"

// DefaultTimeout is the menu timeout when the config does not set
// one.
const DefaultTimeout = 5

// DefaultErrTimeout is how long an error diagnostic waits for a
// keypress before returning to firmware.
const DefaultErrTimeout = 30

// ModuleRef names one module and its command-line suffix.
type ModuleRef struct {
	Path    string
	Options string
}

// Config is a parsed boot.cfg.
type Config struct {
	Kernel     string
	KernelOpt  string
	Modules    []ModuleRef
	ACPITables []string
	Title      string
	Prefix     string
	NoBootIf   bool
	Timeout    uint
	NoQuirks   bool
	NoRTS      bool
	Crypto     string

	RuntimeWD        bool
	RuntimeWDTimeout uint

	TFTPBlockSize uint
	Skip          bool

	// ErrTimeout is in seconds; negative means hang forever.
	ErrTimeout int
}

// Parse reads a boot.cfg. Unknown keys warn; malformed lines and a
// missing kernel are fatal.
func Parse(data []byte) (*Config, error) {
	c := &Config{
		Timeout:    DefaultTimeout,
		ErrTimeout: DefaultErrTimeout,
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("line %d: missing '=': %w", lineno, status.Syntax)
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)

		if err := c.set(key, value); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if c.Kernel == "" {
		return nil, fmt.Errorf("kernel= is required: %w", status.Syntax)
	}
	return c, nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "kernel":
		c.Kernel = value
	case "kernelopt":
		if c.KernelOpt != "" {
			c.KernelOpt += " "
		}
		c.KernelOpt += value
	case "modules":
		c.Modules = parseModules(value)
	case "acpitables":
		for _, item := range splitList(value) {
			if p := firstField(item); p != "" {
				c.ACPITables = append(c.ACPITables, p)
			}
		}
	case "title":
		c.Title = value
	case "prefix":
		c.Prefix = value
	case "nobootif":
		c.NoBootIf, err = parseBool(value)
	case "timeout":
		c.Timeout, err = parseUint(value)
	case "noquirks":
		c.NoQuirks, err = parseBool(value)
	case "norts":
		c.NoRTS, err = parseBool(value)
	case "crypto":
		c.Crypto = value
	case "runtimewd":
		c.RuntimeWD, err = parseBool(value)
	case "runtimewdtimeout":
		c.RuntimeWDTimeout, err = parseUint(value)
	case "tftpblksize":
		c.TFTPBlockSize, err = parseUint(value)
	case "skip":
		c.Skip, err = parseBool(value)
	case "errtimeout":
		var v int64
		v, err = strconv.ParseInt(value, 10, 32)
		c.ErrTimeout = int(v)
	default:
		log.Warn().Str("key", key).Msg("ignoring unknown config key")
	}
	if err != nil {
		return fmt.Errorf("%s=%s: %w", key, value, status.Syntax)
	}
	return nil
}

// Resolve applies the prefix to a relative path.
func (c *Config) Resolve(p string) string {
	if c.Prefix == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return path.Join(c.Prefix, p)
}

// CandidatePaths lists the config files to try when none was given:
// network boots look for a per-MAC file first.
func CandidatePaths(mac string) []string {
	if mac == "" {
		return []string{"boot.cfg"}
	}
	return []string{path.Join(mac, "boot.cfg"), "boot.cfg"}
}

func parseModules(value string) []ModuleRef {
	var mods []ModuleRef
	for _, item := range splitList(value) {
		fields := strings.Fields(item)
		if len(fields) == 0 {
			continue
		}
		mods = append(mods, ModuleRef{
			Path:    fields[0],
			Options: strings.Join(fields[1:], " "),
		})
	}
	return mods
}

func splitList(value string) []string {
	return strings.Split(value, ListSeparator)
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func parseBool(value string) (bool, error) {
	switch value {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("want 0 or 1, got %q", value)
}

func parseUint(value string) (uint, error) {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

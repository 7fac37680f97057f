// Copyright 2018 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestWarningBit(t *testing.T) {
	w := BadType.AsWarning()
	if !w.IsWarning() {
		t.Error("AsWarning() did not set the warning bit")
	}
	if w.Kind() != BadType {
		t.Errorf("Kind() = %v, want BadType", w.Kind())
	}
	if BadType.IsWarning() {
		t.Error("plain status reports as warning")
	}
	if w.AsWarning() != w {
		t.Error("AsWarning() is not idempotent")
	}
}

func TestErrorsIsMatchesAcrossWarning(t *testing.T) {
	err := fmt.Errorf("module: %w", BadType.AsWarning())
	if !errors.Is(err, BadType) {
		t.Error("warning form does not match its kind")
	}
	if errors.Is(err, BadArch) {
		t.Error("warning form matches a different kind")
	}
}

func TestString(t *testing.T) {
	if got := OutOfResources.Error(); got != "out of resources" {
		t.Errorf("Error() = %q", got)
	}
	if got := Timeout.AsWarning().Error(); got != "warning: timeout" {
		t.Errorf("warning Error() = %q", got)
	}
}

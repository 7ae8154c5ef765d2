// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostinfo

import "testing"

func TestOSVersionNonEmpty(t *testing.T) {
	if v := OSVersion(); v == "" {
		t.Error("OSVersion() returned empty string")
	}
}

func TestSandboxedDoesNotPanic(t *testing.T) {
	_ = Sandboxed()
}

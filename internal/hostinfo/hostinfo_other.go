// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux || android

package hostinfo

import "runtime"

// OSVersion returns a short description of the local OS. Platforms
// other than Linux don't get the detailed distro fingerprinting;
// runtime.GOOS/GOARCH is descriptive enough for the diagnostic tool.
func OSVersion() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Sandboxed always reports false outside Linux: the container/FaaS
// detection heuristics are Linux-specific.
func Sandboxed() bool { return false }

// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package appconsts

const (
	// Name is the name of the Archestra gateway binary. This is used in help
	// messages and other user-facing output.
	Name = "archestra-gateway"
)

// Version is the version of the gateway. This is a variable so it can be set
// at build time using ldflags. The default value is "dev", which is used for
// local development builds.
var Version = "dev"

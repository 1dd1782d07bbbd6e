// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Wheatley is a bot which will ring any bells in a ringingroom.com
// tower that you leave unassigned, fitting into whatever rhythm the
// human ringers set.
package main

import (
	"os"
)

// version is printed by --version and logged at startup in server
// mode.
const version = "0.7.0"

func main() {
	// Cobra prints the error itself; all that is left is the exit
	// code.
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

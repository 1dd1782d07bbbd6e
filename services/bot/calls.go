// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bot

// The calls exactly as Ringing Room broadcasts them in s_call events.
const (
	CallLookTo   = "Look to"
	CallGo       = "Go"
	CallBob      = "Bob"
	CallSingle   = "Single"
	CallThatsAll = "That's all"
	CallRounds   = "Rounds"
	CallStand    = "Stand next"
)

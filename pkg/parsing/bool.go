// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package parsing

import "fmt"

// ToBool converts a setting value received over SocketIO into a bool.
// The server is loose about types here, so both real booleans and the
// strings "[Tt]rue"/"[Ff]alse" are accepted.
func ToBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "True", "true":
			return true, nil
		case "False", "false":
			return false, nil
		}
	}
	return false, fmt.Errorf("Value %v cannot be converted into a bool", value)
}

// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package complib

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// MinMlockLimitKB is the smallest mlock limit under which sealed key
// storage is attempted.  An enclave needs a handful of locked pages.
const MinMlockLimitKB = 64

var (
	// memguardInitOnce ensures memguard initialization happens only once.
	memguardInitOnce sync.Once

	// mlockSufficient records whether sealed storage is available.
	mlockSufficient bool

	// currentMlockLimitKB stores the probed mlock limit for logging.
	currentMlockLimitKB int64
)

// KeyVault seals a CompLib access key so that it never sits in plain
// heap memory between requests.
//
// # Description
//
// Access keys grant read access to private compositions, and a touch
// can run for hours between fetches, so the key is kept encrypted in a
// memguard enclave and only decrypted for the moment a request URL is
// built.  On systems whose mlock limit is too small for locked pages
// the vault falls back to plain storage with a warning.
//
// # Thread Safety
//
// KeyVault is safe for concurrent use after construction.
type KeyVault struct {
	enclave *memguard.Enclave

	// plain holds the key only in the insecure fallback mode.
	plain string
}

// NewKeyVault seals an access key.  Returns nil for an empty key, so
// the result can be stored directly in a CompRef.
func NewKeyVault(key string) *KeyVault {
	if key == "" {
		return nil
	}

	initMemguard()

	if !mlockSufficient {
		slog.Warn("mlock limit too small for sealed key storage, holding access key in plain memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return &KeyVault{plain: key}
	}

	return &KeyVault{enclave: memguard.NewEnclave([]byte(key))}
}

// Open decrypts the access key.  The returned string lives in ordinary
// memory, so callers should use it promptly and let it go.
func (v *KeyVault) Open() (string, error) {
	if v.enclave == nil {
		return v.plain, nil
	}

	buf, err := v.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	return string(buf.Bytes()), nil
}

// String keeps the key out of logs and formatted errors.
func (v *KeyVault) String() string {
	return "****"
}

// PurgeSecureMemory wipes every sealed key.  Call during shutdown;
// memguard also purges on SIGINT and SIGTERM.
func PurgeSecureMemory() {
	memguard.Purge()
}

// initMemguard initializes memguard and probes the mlock limit once.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()

		if mlockSufficient {
			slog.Debug("sealed key storage available", "mlock_limit_kb", currentMlockLimitKB)
		}
	})
}

// checkMlockLimit queries the kernel for the mlock resource limit.
//
// Returns:
//   - bool: True if the limit allows sealed storage
//   - int64: The current limit in kilobytes, -1 if unlimited
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

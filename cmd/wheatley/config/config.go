// Copyright (C) 2025 The Wheatley contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads Wheatley's optional YAML configuration file.
//
// The file sets defaults for the console command's flags, so regulars
// at a tower can keep their preferred speed and style in
// ~/.wheatley/wheatley.yaml instead of retyping flags.  Anything given
// explicitly on the command line still wins.
//
// While Wheatley is running the file can be watched (see Watch) and a
// safe subset of keys applied live.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kneasle/wheatley/pkg/parsing"
)

// Config mirrors the console flags that make sense to persist.
type Config struct {
	// URL is the Ringing Room server to join.
	URL string `yaml:"url" validate:"omitempty,url"`

	// Name makes Wheatley ring the bells assigned to that user rather
	// than the unassigned ones.
	Name string `yaml:"name"`

	// PealSpeed is the starting speed in any of the accepted formats,
	// e.g. "2h58" or "178".
	PealSpeed string `yaml:"peal_speed" validate:"omitempty,pealspeed"`

	// Inertia is how strongly Wheatley resists other ringers' tempo,
	// from 0 (follow them closely) to 1 (ignore them).
	Inertia float64 `yaml:"inertia" validate:"gte=0,lte=1"`

	// HandstrokeGap is the gap left before each handstroke, as a
	// multiple of the space between two bells.
	HandstrokeGap float64 `yaml:"handstroke_gap" validate:"gte=0"`

	// MaxBellsInDataset is how many recent strikes the rhythm keeps.
	MaxBellsInDataset int `yaml:"max_bells_in_dataset" validate:"gte=1"`

	UseUpDownIn  bool `yaml:"use_up_down_in"`
	StopAtRounds bool `yaml:"stop_at_rounds"`
	KeepGoing    bool `yaml:"keep_going"`
	NoCalls      bool `yaml:"no_calls"`

	// LogLevel overrides the -v/-q flags: one of debug, info, warn or
	// error.  This is one of the keys that can be changed live.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogDir enables JSON file logging alongside stderr.
	LogDir string `yaml:"log_dir"`

	// StatusAddr serves /metrics and /healthz when set, e.g. ":8090".
	StatusAddr string `yaml:"status_addr" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no file exists, matching
// the console command's flag defaults.
func Default() Config {
	return Config{
		URL:               "https://ringingroom.com",
		PealSpeed:         "2h58",
		Inertia:           0.5,
		HandstrokeGap:     1.0,
		MaxBellsInDataset: 15,
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("pealspeed", func(fl validator.FieldLevel) bool {
			_, err := parsing.ParsePealSpeed(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".wheatley", "wheatley.yaml"), nil
}

// Load reads and validates a config file.
//
// With an empty path the default location is used, and a commented
// default file is written on first run.  An explicitly given path must
// exist.
//
// Parameters:
//   - path: The file to load, or "" for the default location
//
// Returns:
//   - Config: The validated configuration
//   - error: Non-nil if the file cannot be read, parsed or validated
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "First run detected, creating the config at %s\n", defaultPath)
			if err := createDefault(defaultPath); err != nil {
				return Config{}, err
			}
		}
		path = defaultPath
	}

	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config file: %w", err)
	}
	if err := validatorInstance().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	header := []byte("# Wheatley configuration.  Command line flags override these values.\n")
	return os.WriteFile(path, append(header, data...), 0640)
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

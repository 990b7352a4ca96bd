/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"flag"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), nil, getenv)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Addr != ":8080" || cfg.LogLevel != "info" || cfg.Rate != 50 || cfg.Burst != 100 {
			t.Errorf("Unexpected defaults %+v", cfg)
		}
		if cfg.IdleTimeout != 90*time.Second {
			t.Errorf("Expected 90s idle timeout, got %v", cfg.IdleTimeout)
		}
	})

	t.Run("flags", func(t *testing.T) {
		cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError),
			[]string{"-addr", ":9000", "-rate", "5", "-issue", "alice"}, getenv)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Addr != ":9000" || cfg.Rate != 5 || cfg.Issue != "alice" {
			t.Errorf("Flags not applied: %+v", cfg)
		}
	})

	t.Run("env overrides flags", func(t *testing.T) {
		env = map[string]string{
			"ADDR":         ":7000",
			"RELAY_SECRET": "s3cret",
			"LOGLEVEL":     "debug",
			"RELAY_RATE":   "2.5",
			"RELAY_BURST":  "not-a-number",
		}
		cfg, err := Load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-addr", ":9000"}, getenv)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Addr != ":7000" || cfg.Secret != "s3cret" || cfg.LogLevel != "debug" || cfg.Rate != 2.5 {
			t.Errorf("Env not applied: %+v", cfg)
		}
		if cfg.Burst != 100 {
			t.Errorf("Invalid RELAY_BURST should keep the flag value, got %d", cfg.Burst)
		}
	})

	t.Run("bad flag", func(t *testing.T) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.SetOutput(discard{})
		if _, err := Load(fs, []string{"-nope"}, getenv); err == nil {
			t.Error("Expected error for unknown flag")
		}
	})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package main

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds the relay binary configuration
type Config struct {
	Addr        string
	Secret      string
	IssuerName  string
	TopicPrefix string
	LogLevel    string
	Rate        float64
	Burst       int
	IdleTimeout time.Duration
	AccessLog   bool

	// Issue mints an rtm token for this user, prints it and exits.
	Issue    string
	IssueTTL time.Duration
}

// Load reads flags, then lets environment variables override them.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Addr, "addr", ":8080", "Listen address")
	fs.StringVar(&cfg.Secret, "secret", "", "HS256 token secret (at least 32 bytes)")
	fs.StringVar(&cfg.IssuerName, "issuer", "onetoone", "Token issuer name")
	fs.StringVar(&cfg.TopicPrefix, "prefix", "", "Inbox topic prefix")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.Float64Var(&cfg.Rate, "rate", 50, "Publishes per second per connection")
	fs.IntVar(&cfg.Burst, "burst", 100, "Publish burst per connection")
	fs.DurationVar(&cfg.IdleTimeout, "idle", 90*time.Second, "Close connections idle for this long")
	fs.BoolVar(&cfg.AccessLog, "accesslog", false, "Log every HTTP request")
	fs.StringVar(&cfg.Issue, "issue", "", "Print an rtm token for this user and exit")
	fs.DurationVar(&cfg.IssueTTL, "ttl", 24*time.Hour, "Lifetime of tokens printed by -issue")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if v := getenv("ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := getenv("RELAY_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("RELAY_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Rate = r
		}
	}
	if v := getenv("RELAY_BURST"); v != "" {
		if b, err := strconv.Atoi(v); err == nil {
			cfg.Burst = b
		}
	}
	return cfg, nil
}

// loadFromProcess loads from os.Args and the process environment.
func loadFromProcess() (*Config, error) {
	return Load(flag.CommandLine, os.Args[1:], os.Getenv)
}

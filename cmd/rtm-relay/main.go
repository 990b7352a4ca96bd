/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command rtm-relay runs the websocket pub/sub relay used by rtm clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tejzpr/onetoone-go-sdk/rtm/relay"
	"github.com/tejzpr/onetoone-go-sdk/token"
	"golang.org/x/time/rate"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()

	cfg, err := loadFromProcess()
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to load configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		l.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("Invalid log level")
	}
	l = l.Level(level)

	issuer, err := token.NewIssuer([]byte(cfg.Secret), cfg.IssuerName)
	if err != nil {
		l.Fatal().Err(err).Msg("Invalid token secret")
	}

	if cfg.Issue != "" {
		tok, err := issuer.Issue(cfg.Issue, token.KindRTM, cfg.IssueTTL)
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(tok)
		return
	}

	rc := relay.DefaultConfig(issuer)
	if cfg.TopicPrefix != "" {
		rc.TopicPrefix = cfg.TopicPrefix
	}
	rc.Rate = rate.Limit(cfg.Rate)
	rc.Burst = cfg.Burst
	rc.IdleTimeout = cfg.IdleTimeout
	rc.AccessLog = cfg.AccessLog
	rc.Logger = &l

	s, err := relay.New(rc)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to create relay")
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: s.Handler(),
	}

	go func() {
		l.Info().Str("addr", cfg.Addr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start relay")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down relay...")

	s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Relay forced to shutdown")
	}
	l.Info().Msg("Relay exited")
}

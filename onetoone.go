/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package onetoone wires a signaling channel, a media engine and a CallAPI
// into one client. By default the channel is an rtm relay connection and
// the engine is the pion-based rtc engine; either can be replaced.
package onetoone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tejzpr/onetoone-go-sdk/callapi"
	"github.com/tejzpr/onetoone-go-sdk/callsdk"
	"github.com/tejzpr/onetoone-go-sdk/media"
	"github.com/tejzpr/onetoone-go-sdk/rtc"
	"github.com/tejzpr/onetoone-go-sdk/rtm"
	"github.com/tejzpr/onetoone-go-sdk/signaling"
	"go.uber.org/multierr"
)

// Config configures a Client.
type Config struct {
	// UserID is the local user.
	UserID string

	// RelayURL and RtmToken configure the default rtm channel.
	RelayURL string
	RtmToken string
	// RTM overrides the rtm client config. URL and Token are filled from
	// RelayURL and RtmToken when empty.
	RTM *rtm.Config

	// MediaEndpoint configures the default rtc engine.
	MediaEndpoint string
	// RTC overrides the rtc engine config.
	RTC *rtc.Config

	// Channel replaces the rtm channel, e.g. a p2p.Channel.
	Channel signaling.Channel
	// Engine replaces the rtc engine.
	Engine media.Engine

	Policy      *callsdk.Policy
	TopicPrefix string
	Logger      callsdk.Logger
}

// Client is the top-level client.
type Client struct {
	config *Config
	logger callsdk.Logger

	rtmClient *rtm.Client
	channel   signaling.Channel
	engine    media.Engine
	api       *callapi.CallAPI

	mu        sync.Mutex
	connected bool
}

// NewClient builds the channel, engine and CallAPI without connecting.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.UserID == "" {
		return nil, errors.New("user id is required")
	}
	cfg := *config
	c := &Client{
		config: &cfg,
		logger: callsdk.LoggerOrDefault(cfg.Logger),
		api:    callapi.New(),
	}

	c.channel = cfg.Channel
	if c.channel == nil {
		rtmConfig := rtm.DefaultConfig(cfg.RelayURL, cfg.RtmToken)
		if cfg.RTM != nil {
			override := *cfg.RTM
			rtmConfig = &override
		}
		if rtmConfig.URL == "" {
			rtmConfig.URL = cfg.RelayURL
		}
		if rtmConfig.Token == "" {
			rtmConfig.Token = cfg.RtmToken
		}
		if rtmConfig.URL == "" {
			return nil, errors.New("relay URL is required without a custom channel")
		}
		if rtmConfig.Logger == nil {
			rtmConfig.Logger = cfg.Logger
		}
		c.rtmClient = rtm.New(rtmConfig)
		c.channel = c.rtmClient
	}

	c.engine = cfg.Engine
	if c.engine == nil {
		rtcConfig := rtc.DefaultConfig(cfg.MediaEndpoint)
		if cfg.RTC != nil {
			override := *cfg.RTC
			rtcConfig = &override
		}
		if rtcConfig.Logger == nil {
			rtcConfig.Logger = cfg.Logger
		}
		engine, err := rtc.NewEngine(rtcConfig)
		if err != nil {
			return nil, fmt.Errorf("error creating media engine: %w", err)
		}
		c.engine = engine
	}

	return c, nil
}

// Connect connects the rtm channel, if used, and initializes the CallAPI.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	if c.rtmClient != nil {
		if err := c.rtmClient.Connect(ctx); err != nil {
			return fmt.Errorf("error connecting to relay: %w", err)
		}
	}
	err := c.api.Initialize(&callapi.CallConfig{
		UserID:      c.config.UserID,
		Channel:     c.channel,
		Engine:      c.engine,
		Policy:      c.config.Policy,
		TopicPrefix: c.config.TopicPrefix,
		Logger:      c.config.Logger,
	})
	if err != nil {
		if c.rtmClient != nil {
			c.rtmClient.Close()
		}
		return err
	}
	c.connected = true
	return nil
}

// CallAPI returns the call session.
func (c *Client) CallAPI() *callapi.CallAPI {
	return c.api
}

// Channel returns the signaling channel in use.
func (c *Client) Channel() signaling.Channel {
	return c.channel
}

// Engine returns the media engine in use.
func (c *Client) Engine() media.Engine {
	return c.engine
}

// Close deinitializes the CallAPI, waiting until ctx is done, and closes
// the rtm channel if the client created it.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		if c.rtmClient != nil {
			return c.rtmClient.Close()
		}
		return nil
	}
	c.connected = false

	done := make(chan error, 1)
	c.api.Deinitialize(func(err error) { done <- err })

	var err error
	select {
	case derr := <-done:
		if derr != nil {
			err = multierr.Append(err, fmt.Errorf("error deinitializing call api: %w", derr))
		}
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	if c.rtmClient != nil {
		err = multierr.Append(err, c.rtmClient.Close())
	}
	return err
}

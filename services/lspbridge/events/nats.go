// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the NATS subject prefix for published events.
const DefaultSubjectPrefix = "lspbridge.events"

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Name          string        `yaml:"name"`
	ConnectWait   time.Duration `yaml:"connect_wait"`
}

// NATSSink publishes each event as JSON on "<prefix>.<type>".
//
// Publishing is fire-and-forget: nats.go buffers while reconnecting, and a
// failed publish is logged and dropped.
type NATSSink struct {
	conn   *nats.Conn
	owned  bool
	prefix string
	logger *slog.Logger
}

// ConnectNATS dials the server and returns a sink that owns the connection.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "lspbridge"
	}
	wait := cfg.ConnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(wait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	sink := NewNATSSink(conn, cfg.SubjectPrefix, logger)
	sink.owned = true
	return sink, nil
}

// NewNATSSink wraps an existing connection. The caller keeps ownership.
func NewNATSSink(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject used for events of type t.
func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Emit(e Event) {
	data, err := json.Marshal(stamp(e))
	if err != nil {
		s.logger.Warn("encode event", slog.String("error", err.Error()))
		return
	}
	if err := s.conn.Publish(s.Subject(e.Type), data); err != nil {
		s.logger.Warn("publish event",
			slog.String("subject", s.Subject(e.Type)),
			slog.String("error", err.Error()))
	}
}

// Close drains the connection if the sink owns it.
func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.conn.Drain()
}

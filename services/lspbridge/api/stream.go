// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// The API binds to loopback by default; browsers on other origins are
	// the operator's call.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFilter keeps events matching any listed language and any listed
// type. Empty lists match everything.
type eventFilter struct {
	languages map[string]bool
	types     map[events.Type]bool
}

func newEventFilter(languages, types []string) eventFilter {
	f := eventFilter{}
	for _, l := range splitAll(languages) {
		if f.languages == nil {
			f.languages = make(map[string]bool)
		}
		f.languages[strings.ToLower(l)] = true
	}
	for _, t := range splitAll(types) {
		if f.types == nil {
			f.types = make(map[events.Type]bool)
		}
		f.types[events.Type(t)] = true
	}
	return f
}

func (f eventFilter) match(e events.Event) bool {
	if f.languages != nil && !f.languages[e.Language] {
		return false
	}
	if f.types != nil && !f.types[e.Type] {
		return false
	}
	return true
}

// splitAll accepts both ?type=a&type=b and ?type=a,b.
func splitAll(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// HandleEvents handles GET /v1/lsp/events.
//
// Upgrades to a websocket and writes one JSON event per message. Optional
// language and type query parameters filter the stream. A client that
// cannot keep up loses events; the producer never waits on it.
func (h *Handlers) HandleEvents(c *gin.Context) {
	if h.hub == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
			Error: "event stream is not configured",
			Code:  CodeEventStreamDisabled,
		})
		return
	}
	filter := newEventFilter(c.QueryArray("language"), c.QueryArray("type"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	sub, cancel := h.hub.Subscribe()
	defer cancel()
	logger := h.logger.With(slog.String("request_id", c.GetString(requestIDKey)))
	logger.Debug("event stream opened")

	// The reader only exists to process control frames and notice the
	// client going away.
	gone := make(chan struct{})
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				closeWith(ws, websocket.CloseGoingAway, "event hub closed")
				return
			}
			if !filter.match(e) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(e); err != nil {
				logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			logger.Debug("event stream closed by client")
			return
		case <-h.done:
			closeWith(ws, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}

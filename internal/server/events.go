// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the REST + WebSocket API of the pipeline core.
// Handlers call PipelineService directly for mutations; lifecycle events
// emitted by the core are broadcast to connected WebSocket clients.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/specforge/specforge/internal/logger"
	"github.com/specforge/specforge/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("api")
		log = &l
	})
	return log
}

// EventBroadcaster reads every event from the pipeline core's event channel
// and fans them out to all connected WebSocket clients.
type EventBroadcaster struct {
	eventChan <-chan protocol.Event
	clients   *ClientRegistry
}

// NewEventBroadcaster creates a broadcaster over the core's event channel.
func NewEventBroadcaster(eventChan <-chan protocol.Event, clients *ClientRegistry) *EventBroadcaster {
	return &EventBroadcaster{
		eventChan: eventChan,
		clients:   clients,
	}
}

// Run reads events until the channel is closed or context is cancelled.
func (b *EventBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-b.eventChan:
			if !ok {
				getLog().Info().Msg("Event broadcaster stopped (channel closed)")
				return
			}
			b.dispatch(event)
		case <-ctx.Done():
			getLog().Info().Msg("Event broadcaster stopped (context cancelled)")
			return
		}
	}
}

func (b *EventBroadcaster) dispatch(event protocol.Event) {
	if b.clients != nil {
		b.clients.Broadcast(event)
	}
}

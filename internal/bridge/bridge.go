// Package bridge fans dashboard events from NATS into connection-registry
// rooms. The web layer publishes on govern.room.<room>; every payload is
// broadcast verbatim to that room's connections.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/planforge/govern/internal/connreg"
)

const subjectPrefix = "govern.room."

// Bridge subscribes to room event subjects and broadcasts payloads.
type Bridge struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	registry *connreg.Registry
	logger   zerolog.Logger
}

// New connects to NATS and starts the room subscription.
func New(url string, registry *connreg.Registry, logger zerolog.Logger) (*Bridge, error) {
	log := logger.With().Str("component", "bridge").Logger()

	nc, err := nats.Connect(url,
		nats.Name("governd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	b := &Bridge{
		nc:       nc,
		registry: registry,
		logger:   log,
	}

	sub, err := nc.Subscribe(subjectPrefix+"*", b.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	b.sub = sub

	log.Info().Str("url", url).Str("subject", subjectPrefix+"*").Msg("event bridge started")
	return b, nil
}

// handle broadcasts one event to its room. The subject's last token names
// the room: govern.room.project-42 -> project-42.
func (b *Bridge) handle(msg *nats.Msg) {
	room := strings.TrimPrefix(msg.Subject, subjectPrefix)
	if room == "" || strings.Contains(room, ".") {
		b.logger.Debug().Str("subject", msg.Subject).Msg("ignoring malformed room subject")
		return
	}

	sent := b.registry.Broadcast(context.Background(), room, msg.Data)
	b.logger.Debug().Str("room", room).Int("sent", sent).
		Int("bytes", len(msg.Data)).Msg("event fanned out")
}

// Close drains the subscription and closes the connection. In-flight
// handlers finish before Close returns.
func (b *Bridge) Close() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("subscription drain failed")
		}
	}
	b.nc.Close()
	b.logger.Info().Msg("event bridge stopped")
}

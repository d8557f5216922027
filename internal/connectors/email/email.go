// Package email implements the IMAP poll source: it checks one
// account's INBOX for messages newer than a persisted UID high-water
// mark and emits one message.received event per new message.
//
// Grounded directly on internal/email/poller.go (high-water-mark
// advance that scans every fetched UID rather than trusting sort
// order, first-run silent seeding so a fresh deployment doesn't flood
// downstream actors with the whole inbox) and internal/email/client.go
// (go-imap/v2 dial/login/reconnect shape).
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/envelope"
)

// Source implements plugin.Source for one IMAP account's INBOX.
type Source struct {
	cli      *client
	module   string
	sourceID string
	store    *checkpoint.Store
	logger   *slog.Logger
}

// New constructs an email Source. Registered under the plugin name
// "email".
func New() *Source {
	return &Source{}
}

// Init reads the IMAP connection fields plus config.module,
// config.source_id, and the injected checkpoint store/logger.
func (s *Source) Init(raw map[string]any) error {
	cfg := IMAPConfig{}
	cfg.Host, _ = raw["host"].(string)
	cfg.Username, _ = raw["username"].(string)
	cfg.Password, _ = raw["password"].(string)
	if port, ok := raw["port"].(int); ok {
		cfg.Port = port
	} else {
		cfg.Port = 993
	}
	if tlsOn, ok := raw["tls"].(bool); ok {
		cfg.TLS = tlsOn
	} else {
		cfg.TLS = true
	}
	if cfg.Host == "" || cfg.Username == "" {
		return fmt.Errorf("email: config.host and config.username are required")
	}

	s.module, _ = raw["module"].(string)
	s.sourceID, _ = raw["source_id"].(string)
	s.store, _ = raw["store"].(*checkpoint.Store)
	s.logger, _ = raw["logger"].(*slog.Logger)
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.cli = newClient(cfg, s.logger)
	return nil
}

// Shutdown closes the IMAP connection.
func (s *Source) Shutdown() error {
	if s.cli == nil {
		return nil
	}
	return s.cli.close()
}

// Poll checks INBOX for messages newer than the stored UID high-water
// mark, advancing the mark across every fetched UID (including
// messages later dropped) so the mark never revisits a UID.
func (s *Source) Poll(ctx context.Context) ([]*envelope.Event, error) {
	storedUID, err := s.loadHighWaterMark()
	if err != nil {
		return nil, fmt.Errorf("email: load high-water mark: %w", err)
	}

	if storedUID == 0 {
		return s.seedHighWaterMark(ctx)
	}

	messages, err := s.cli.listSinceUID(ctx, "INBOX", storedUID)
	if err != nil {
		return nil, fmt.Errorf("email: list messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	if err := s.advanceHighWaterMark(storedUID, messages); err != nil {
		return nil, err
	}

	events := make([]*envelope.Event, 0, len(messages))
	for _, m := range messages {
		e, err := envelope.New(s.sourceID, envelope.TypeMessageReceived,
			envelope.Provenance{"platform": "email", "author": m.From},
			envelope.Payload{
				"uid":     m.UID,
				"from":    m.From,
				"to":      m.To,
				"subject": m.Subject,
				"flags":   m.Flags,
			}, "")
		if err != nil {
			s.logger.Warn("email: construct event failed", "uid", m.UID, "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// seedHighWaterMark runs on first poll: it records the current
// highest UID without reporting any message as new, matching the
// teacher's "don't flood on initial deployment" behavior.
func (s *Source) seedHighWaterMark(ctx context.Context) ([]*envelope.Event, error) {
	messages, err := s.cli.listSinceUID(ctx, "INBOX", 0)
	if err != nil {
		return nil, fmt.Errorf("email: seed list: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	var highest uint32
	for _, m := range messages {
		if m.UID > highest {
			highest = m.UID
		}
	}
	s.logger.Info("email: first poll, seeding high-water mark", "uid", highest)
	return nil, s.saveHighWaterMark(highest)
}

// advanceHighWaterMark sets the mark to the highest UID across all of
// messages, scanning rather than trusting fetch order, and never
// decreasing it.
func (s *Source) advanceHighWaterMark(current uint32, messages []envelopeSummary) error {
	highest := current
	for _, m := range messages {
		if m.UID > highest {
			highest = m.UID
		}
	}
	if highest <= current {
		return nil
	}
	return s.saveHighWaterMark(highest)
}

func (s *Source) loadHighWaterMark() (uint32, error) {
	cursor, err := s.store.Get(s.module, s.sourceID)
	if err != nil {
		return 0, err
	}
	if cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(cursor, 10, 32)
	if err != nil {
		s.logger.Warn("email: corrupt high-water mark, reseeding", "stored", cursor)
		return 0, nil
	}
	return uint32(v), nil
}

func (s *Source) saveHighWaterMark(uid uint32) error {
	return s.store.Set(s.module, s.sourceID, strconv.FormatUint(uint64(uid), 10))
}

// Package identity classifies event authors by cross-referencing a
// CardDAV address book: emails found in the configured roster are
// `team_member`, everything else defaults to whatever the connector
// already set (typically `external` or `bot`). This enriches
// `provenance.author_type` (spec §3) for connectors — like generic
// webhooks — that cannot infer team membership from the source
// platform itself.
//
// Neither CardDAV nor vCard has a precedent in the teacher's own code;
// both github.com/emersion/go-webdav and github.com/emersion/go-vcard
// are zero-import teacher dependencies wired here into a new
// component rather than dropped, since provenance enrichment is a
// concrete SPEC_FULL.md need. Texture (constructor shape, RWMutex-
// guarded cache, periodic refresh) follows the teacher's other
// roster-like caches, e.g. internal/homeassistant's entity registry
// cache.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"

	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/httpkit"
)

// Config configures a Roster's CardDAV source.
type Config struct {
	Endpoint        string
	Username        string
	Password        string
	AddressBookPath string
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// Roster caches the set of email addresses found in a CardDAV address
// book and classifies authors against it.
type Roster struct {
	client *carddav.Client
	abPath string
	logger *slog.Logger

	mu      sync.RWMutex
	members map[string]struct{}
}

// NewRoster creates a Roster. Sync must be called at least once before
// Classify returns meaningful results.
func NewRoster(cfg Config) (*Roster, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := webdav.HTTPClientWithBasicAuth(httpkit.NewClient(), cfg.Username, cfg.Password)
	client, err := carddav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("identity: create carddav client: %w", err)
	}

	return &Roster{
		client:  client,
		abPath:  cfg.AddressBookPath,
		logger:  logger,
		members: make(map[string]struct{}),
	}, nil
}

// Sync fetches every address object in the configured address book and
// rebuilds the member set from each card's EMAIL fields.
func (r *Roster) Sync(ctx context.Context) error {
	objects, err := r.client.QueryAddressBook(ctx, r.abPath, &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{AllProp: true},
	})
	if err != nil {
		return fmt.Errorf("identity: query address book: %w", err)
	}

	members := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		for _, email := range emailsOf(obj.Card) {
			members[normalize(email)] = struct{}{}
		}
	}

	r.mu.Lock()
	r.members = members
	r.mu.Unlock()

	r.logger.Info("roster synced", "address_book", r.abPath, "members", len(members))
	return nil
}

// StartAutoSync runs Sync immediately and then every interval until ctx
// is cancelled. A sync failure is logged and does not stop the loop.
func (r *Roster) StartAutoSync(ctx context.Context, interval time.Duration) {
	if err := r.Sync(ctx); err != nil {
		r.logger.Error("initial roster sync failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Sync(ctx); err != nil {
					r.logger.Error("roster sync failed", "error", err)
				}
			}
		}
	}()
}

// Classify returns AuthorTeamMember if email is in the roster, or
// AuthorUnknown otherwise — callers should only overwrite an existing
// author_type when Classify returns AuthorTeamMember, preserving a
// connector's own bot/external detection.
func (r *Roster) Classify(email string) envelope.AuthorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.members[normalize(email)]; ok {
		return envelope.AuthorTeamMember
	}
	return envelope.AuthorUnknown
}

func emailsOf(card vcard.Card) []string {
	var emails []string
	for _, f := range card[vcard.FieldEmail] {
		if f.Value != "" {
			emails = append(emails, f.Value)
		}
	}
	return emails
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPConfig describes how to reach and authenticate against one IMAP
// account.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

// client wraps go-imap/v2 with automatic reconnection and
// mutex-serialized access, grounded on the teacher's email.Client.
type client struct {
	cfg    IMAPConfig
	logger *slog.Logger

	mu  sync.Mutex
	cli *imapclient.Client
}

func newClient(cfg IMAPConfig, logger *slog.Logger) *client {
	return &client{cfg: cfg, logger: logger}
}

func (c *client) connectLocked() error {
	if c.cli != nil {
		_ = c.cli.Close()
		c.cli = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	var opts imapclient.Options
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
	}

	var cli *imapclient.Client
	var err error
	if c.cfg.TLS {
		cli, err = imapclient.DialTLS(addr, &opts)
	} else {
		cli, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", addr, err)
	}

	if err := cli.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = cli.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.cli = cli
	c.logger.Info("imap connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

func (c *client) ensureConnected() error {
	if c.cli != nil {
		if err := c.cli.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("imap connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked()
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return nil
	}
	err := c.cli.Close()
	c.cli = nil
	return err
}

// listSinceUID returns, newest-first, every message in folder with a
// UID strictly greater than sinceUID (0 meaning "all").
func (c *client) listSinceUID(ctx context.Context, folder string, sinceUID uint32) ([]envelopeSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.cli.Select(folder, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	criteria := &imap.SearchCriteria{}
	if sinceUID > 0 {
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}}}
	}

	searchData, err := c.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	allUIDs := searchData.AllUIDs()
	if len(allUIDs) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range allUIDs {
		uidSet.AddNum(uid)
	}

	return c.fetchSummaries(uidSet)
}

func (c *client) fetchSummaries(uidSet imap.UIDSet) ([]envelopeSummary, error) {
	fetchOpts := &imap.FetchOptions{UID: true, Envelope: true, Flags: true, RFC822Size: true}
	fetchCmd := c.cli.Fetch(uidSet, fetchOpts)

	var out []envelopeSummary
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, err := parseSummary(msg)
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		out = append(out, env)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// envelopeSummary is the subset of message metadata needed to mint an
// event; it deliberately mirrors the teacher's Envelope shape rather
// than carrying the full message body.
type envelopeSummary struct {
	UID     uint32
	From    string
	To      []string
	Subject string
	Flags   []string
}

func parseSummary(msg *imapclient.FetchMessageData) (envelopeSummary, error) {
	var env envelopeSummary
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				env.Flags = append(env.Flags, string(f))
			}
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					env.From = formatAddress(data.Envelope.From[0])
				}
				for _, addr := range data.Envelope.To {
					env.To = append(env.To, formatAddress(addr))
				}
			}
		case imapclient.FetchItemDataBodySection:
			drainLiteral(data.Literal)
		}
	}
	if env.UID == 0 {
		return env, fmt.Errorf("message missing UID")
	}
	return env, nil
}

func formatAddress(addr imap.Address) string {
	e := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, e)
	}
	return e
}

func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

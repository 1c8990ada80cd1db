package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-classifier/model"
	"github.com/dhcgn/mail-classifier/runner"
	"github.com/dhcgn/mail-classifier/stats"
)

// ErrNoBody is reported for a fetched message without a body section.
var ErrNoBody = errors.New("message has no body section")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
}

// Fetcher reads the unseen messages of one mailbox without changing their
// flags and feeds them into a runner.
type Fetcher struct {
	opts   Options
	runner *runner.Runner
	logger *slog.Logger
}

func NewFetcher(opts Options, r *runner.Runner, logger *slog.Logger) (*Fetcher, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap username is empty")
	}
	fetcher := &Fetcher{
		opts:   opts,
		runner: r,
		logger: logger,
	}
	r.AddSource(stats.StageIMAP, fetcher.run)
	return fetcher, nil
}

func (f *Fetcher) mailbox() string {
	if f.opts.Mailbox == "" {
		return "INBOX"
	}
	return f.opts.Mailbox
}

func (f *Fetcher) run(ctx context.Context) error {
	client, cleanup, err := f.dial(ctx)
	if err != nil {
		f.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
		return err
	}
	defer cleanup()

	selected, err := client.Select(f.mailbox(), &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", f.mailbox(), err)
	}

	searchData, err := client.UIDSearch(&imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return fmt.Errorf("search unseen: %w", err)
	}
	uids := searchData.AllUIDs()

	f.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeSearched, Count: len(uids)})
	if f.logger != nil {
		f.logger.Info("unseen messages found", "mailbox", f.mailbox(), "count", len(uids), "total", selected.NumMessages)
	}
	if len(uids) == 0 {
		return nil
	}

	return f.fetch(ctx, client, imapv2.UIDSetNum(uids...), selected.UIDValidity)
}

func (f *Fetcher) fetch(ctx context.Context, client *imapclient.Client, set imapv2.UIDSet, uidValidity uint32) error {
	fetchOptions := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{{Peek: true}},
	}

	cmd := client.Fetch(set, fetchOptions)

	out := f.runner.MailboxWriter()
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}

		raw, err := readMessage(msg.SeqNum, msg)
		envelope := f.envelope(raw, err, uidValidity)

		select {
		case <-ctx.Done():
			_ = cmd.Close()
			return ctx.Err()
		case out <- envelope:
		}
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// envelope turns one read fetch response into runner input. Only a readable
// message gets a dedup hash.
func (f *Fetcher) envelope(raw model.RawMessage, err error, uidValidity uint32) model.Envelope {
	if err != nil {
		err = fmt.Errorf("message %s: %w", raw.ID(), err)
		if f.logger != nil {
			f.logger.Warn("imap message unreadable", "messageID", raw.ID(), "err", err)
		}
		return model.Envelope{Message: raw, Err: err}
	}
	raw.Hash = Hash(f.mailbox(), uidValidity, raw.UID)
	return model.Envelope{Message: raw}
}

// fetchItems is the item stream of one fetch response.
type fetchItems interface {
	Next() imapclient.FetchItemData
}

// readMessage drains one fetch response. The body literal must be consumed
// before the next response can be read.
func readMessage(seqNum uint32, msg fetchItems) (model.RawMessage, error) {
	raw := model.RawMessage{SeqNum: seqNum}

	var body []byte
	found := false
	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch item := item.(type) {
		case imapclient.FetchItemDataUID:
			raw.UID = uint32(item.UID)
		case imapclient.FetchItemDataBodySection:
			if item.Literal == nil {
				continue
			}
			data, err := io.ReadAll(item.Literal)
			if err != nil {
				return raw, fmt.Errorf("read body: %w", err)
			}
			body = data
			found = true
		}
	}

	if !found {
		return raw, ErrNoBody
	}
	raw.Raw = body
	return raw, nil
}

// Hash is the dedup key of a server message. UIDs are only stable within
// one UIDVALIDITY of a mailbox.
func Hash(mailbox string, uidValidity, uid uint32) string {
	return fmt.Sprintf("imap:%s:%d:%d", mailbox, uidValidity, uid)
}

func (f *Fetcher) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(f.opts.Host, strconv.Itoa(f.opts.Port))
	options := &imapclient.Options{}

	if f.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         f.opts.Host,
			InsecureSkipVerify: f.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if f.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(f.opts.Username, f.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if f.logger != nil {
		f.logger.Debug("imap connection established", "address", address, "user", f.opts.Username, "mailbox", f.mailbox(), "tls", f.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && f.logger != nil {
				f.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && f.logger != nil {
			f.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

package mbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/mail-classifier/classify"
	"github.com/dhcgn/mail-classifier/config"
	"github.com/dhcgn/mail-classifier/model"
	"github.com/dhcgn/mail-classifier/rules"
	"github.com/dhcgn/mail-classifier/runner"
	"github.com/dhcgn/mail-classifier/stats"
)

const sampleMbox = `From billing@example.com Mon Jan  1 00:00:00 2024
From: Billing <billing@example.com>
Subject: Invoice 1

first body

From friend@example.org Tue Jan  2 00:00:00 2024
From: Friend <friend@example.org>
Subject: Lunch

second body

From news@example.net Wed Jan  3 00:00:00 2024
From: news@example.net
Subject: Weekly

third body
`

func openString(data string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(data)), nil
	}
}

func collect(t *testing.T, reader Reader) ([]model.Envelope, error) {
	t.Helper()

	out := make(chan model.Envelope, 16)
	done := make(chan error, 1)
	go func() {
		done <- reader.Stream(context.Background(), out)
		close(out)
	}()

	var envelopes []model.Envelope
	for env := range out {
		envelopes = append(envelopes, env)
	}
	return envelopes, <-done
}

func TestStream_NumbersMessagesInOrder(t *testing.T) {
	reader, err := NewReader(Options{Open: openString(sampleMbox)}, nil)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}

	envelopes, err := collect(t, reader)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(envelopes) != 3 {
		t.Fatalf("got %d envelopes, want 3", len(envelopes))
	}

	wantSubjects := []string{"Subject: Invoice 1", "Subject: Lunch", "Subject: Weekly"}
	seen := make(map[string]bool)
	for i, env := range envelopes {
		if env.Err != nil {
			t.Fatalf("envelope %d error = %v", i, env.Err)
		}
		msg := env.Message
		if msg.SeqNum != uint32(i+1) {
			t.Errorf("envelope %d SeqNum = %d, want %d", i, msg.SeqNum, i+1)
		}
		if msg.UID != 0 {
			t.Errorf("envelope %d UID = %d, want 0", i, msg.UID)
		}
		if !strings.Contains(string(msg.Raw), wantSubjects[i]) {
			t.Errorf("envelope %d raw = %q, want %q", i, msg.Raw, wantSubjects[i])
		}
		if msg.Hash != Hash(msg.Raw) {
			t.Errorf("envelope %d hash mismatch", i)
		}
		if seen[msg.Hash] {
			t.Errorf("envelope %d hash %q repeated", i, msg.Hash)
		}
		seen[msg.Hash] = true
	}
}

func TestStream_CancelledContext(t *testing.T) {
	reader, err := NewReader(Options{Open: openString(sampleMbox)}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := reader.Stream(ctx, make(chan model.Envelope)); err == nil {
		t.Fatal("Stream() error = nil, want context error")
	}
}

func TestStream_MissingFile(t *testing.T) {
	reader, err := NewReader(Options{Path: filepath.Join(t.TempDir(), "absent.mbox")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := collect(t, reader); err == nil {
		t.Fatal("Stream() error = nil, want open error")
	}
}

func TestNewReader_EmptyPath(t *testing.T) {
	if _, err := NewReader(Options{Path: "  "}, nil); err == nil {
		t.Fatal("NewReader() error = nil, want error")
	}
}

func TestReader_Count(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	if err := os.WriteFile(path, []byte(sampleMbox), 0o600); err != nil {
		t.Fatal(err)
	}

	reader, err := NewReader(Options{Path: path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	count, err := reader.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 3 {
		t.Errorf("Count() = %d, want 3", count)
	}

	empty, err := countMessages(strings.NewReader(""))
	if err != nil || empty != 0 {
		t.Errorf("countMessages(empty) = %d, %v", empty, err)
	}
}

func TestProducer_ReportsArchiveSize(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := runner.New(config.Config{}, classify.New(rules.Empty()), logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewProducer(Options{Open: openString(sampleMbox)}, r, logger); err != nil {
		t.Fatal(err)
	}

	reporter := stats.NewReporter(r, logger)
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	summary := reporter.Summary()
	if summary.Found != 3 || summary.Fetched != 3 || summary.Unmatched != 3 {
		t.Errorf("summary = %+v, want found, fetched and unmatched 3", summary)
	}
}

package mbox

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-classifier/model"
	"github.com/dhcgn/mail-classifier/runner"
	"github.com/dhcgn/mail-classifier/stats"
)

type Options struct {
	Path string
	// Open overrides how Path is opened.
	Open func() (io.ReadCloser, error)
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
	// Count returns the number of messages without keeping them.
	Count() (int, error)
}

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" && opts.Open == nil {
		return nil, fmt.Errorf("mbox path is empty")
	}

	open := opts.Open
	if open == nil {
		open = func() (io.ReadCloser, error) {
			return os.Open(path)
		}
	}

	return &fileReader{path: path, open: open, logger: logger}, nil
}

type fileReader struct {
	path   string
	open   func() (io.ReadCloser, error)
	logger *slog.Logger
}

// Stream sends every message of the archive to out, numbered from 1 in
// file order. A framing or read error is sent as an error envelope and
// ends the stream.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := f.open()
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)

	for seq := uint32(1); ; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", seq, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return f.emitError(ctx, out, fmt.Errorf("message %d read: %w", seq, err))
		}

		msg := model.RawMessage{
			SeqNum: seq,
			Hash:   Hash(raw),
			Raw:    raw,
		}
		if err := f.emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.path, "err", err)
	}
	return f.emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Hash is the dedup key of a raw mbox message.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

type Producer struct {
	reader Reader
	runner *runner.Runner
}

// NewProducer registers the archive as the source stage of r.
func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{reader: reader, runner: r}
	r.AddSource(stats.StageMbox, producer.run)
	return producer, nil
}

// run reports the archive size as a searched event, then streams it. A
// count that fails part way still reports what was read; Stream surfaces
// the error itself.
func (p *Producer) run(ctx context.Context) error {
	count, err := p.reader.Count()
	if err != nil {
		p.runner.Logger().Warn("mbox count incomplete", "counted", count, "err", err)
	}
	p.runner.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeSearched, Count: count})

	return p.reader.Stream(ctx, p.runner.MailboxWriter())
}

func (f *fileReader) Count() (int, error) {
	file, err := f.open()
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return countMessages(file)
}

func countMessages(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}

		// A message that cannot be drained still counts.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

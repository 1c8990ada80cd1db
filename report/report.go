// Package report renders classification results as text blocks, JSON lines
// or CSV.
package report

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/dhcgn/mail-classifier/model"
	"github.com/dhcgn/mail-classifier/runner"
	"github.com/dhcgn/mail-classifier/stats"
)

var ErrUnknownFormat = errors.New("unknown report format")

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

type Writer interface {
	Write(model.Result) error
	Flush() error
}

func New(format Format, w io.Writer) (Writer, error) {
	switch format {
	case FormatText, "":
		return &textWriter{w: bufio.NewWriter(w)}, nil
	case FormatJSON:
		buf := bufio.NewWriter(w)
		return &jsonWriter{buf: buf, enc: json.NewEncoder(buf)}, nil
	case FormatCSV:
		return &csvWriter{w: csv.NewWriter(w)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

type textWriter struct {
	w *bufio.Writer
}

func (t *textWriter) Write(res model.Result) error {
	uid := "unavailable"
	if res.UID != 0 {
		uid = strconv.FormatUint(uint64(res.UID), 10)
	}
	subject := res.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	outcome := "no match"
	if res.Matched {
		outcome = "matches " + res.Rule
	}

	_, err := fmt.Fprintf(t.w, "--- Message ---\nSEQ ID: %d\nUID: %s\nSubject: %s\nEMAIL: %s\n%s\n\n",
		res.SeqNum, uid, subject, res.Email, outcome)
	return err
}

func (t *textWriter) Flush() error {
	return t.w.Flush()
}

type jsonWriter struct {
	buf *bufio.Writer
	enc *json.Encoder
}

func (j *jsonWriter) Write(res model.Result) error {
	return j.enc.Encode(res)
}

func (j *jsonWriter) Flush() error {
	return j.buf.Flush()
}

var csvHeader = []string{"seq", "uid", "email", "subject", "rule", "matched"}

type csvWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

func (c *csvWriter) Write(res model.Result) error {
	if !c.wroteHeader {
		if err := c.w.Write(csvHeader); err != nil {
			return err
		}
		c.wroteHeader = true
	}

	uid := ""
	if res.UID != 0 {
		uid = strconv.FormatUint(uint64(res.UID), 10)
	}
	return c.w.Write([]string{
		strconv.FormatUint(uint64(res.SeqNum), 10),
		uid,
		res.Email,
		res.Subject,
		res.Rule,
		strconv.FormatBool(res.Matched),
	})
}

// Flush writes the header even when no result was written.
func (c *csvWriter) Flush() error {
	if !c.wroteHeader {
		if err := c.w.Write(csvHeader); err != nil {
			return err
		}
		c.wroteHeader = true
	}
	c.w.Flush()
	return c.w.Error()
}

// Printer is the runner stage that drains results into a Writer.
type Printer struct {
	writer  Writer
	results <-chan model.Result
	runner  *runner.Runner
	logger  *slog.Logger
}

func NewPrinter(w Writer, r *runner.Runner, logger *slog.Logger) *Printer {
	p := &Printer{
		writer:  w,
		results: r.Results(),
		runner:  r,
		logger:  logger,
	}
	r.AddStage(string(stats.StageReport), p.run)
	return p
}

func (p *Printer) run(ctx context.Context) error {
	defer func() {
		if err := p.writer.Flush(); err != nil && p.logger != nil {
			p.logger.Error("flush report", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-p.results:
			if !ok {
				return nil
			}
			if err := p.writer.Write(res); err != nil {
				err = fmt.Errorf("write result %s: %w", res.ID(), err)
				p.runner.EmitEvent(stats.Event{Stage: stats.StageReport, Type: stats.EventTypeError, MessageID: res.ID(), Err: err})
				return err
			}
			p.runner.EmitEvent(stats.Event{Stage: stats.StageReport, Type: stats.EventTypeReported, MessageID: res.ID(), Rule: res.Rule})
		}
	}
}

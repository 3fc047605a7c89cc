// Package decoder turns raw, arbitrarily fragmented provider stream bytes into canonical
// token deltas.
//
// Framing is shared by every vendor: records are newline-delimited, may carry a "data: "
// prefix and may be followed by a "[DONE]" sentinel. Only content extraction differs per
// record format.
package decoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"chatrelay/internal/models"
)

const (
	dataPrefix = "data:"
	sentinel   = "[DONE]"
	readSize   = 4096
	// maxRecordBytes bounds a single unterminated record held between reads.
	maxRecordBytes = 1 << 20
)

// ErrVendorError reports an error record emitted by the provider mid-stream.
var ErrVendorError = errors.New("provider reported an error")

// ErrUnknownFormat reports a record format the decoder cannot extract content from.
var ErrUnknownFormat = errors.New("unknown record format")

// Decoder yields the tokens of one provider stream. It is single-use and not safe for
// concurrent use.
type Decoder struct {
	src       io.Reader
	format    models.RecordFormat
	logger    *slog.Logger
	carry     []byte
	maxRecord int
	// skipping drops input up to the next newline after an oversized record.
	skipping bool
	pending  []string
	buf      []byte
	done     bool
	err      error
}

// New wraps a raw provider stream. A nil logger falls back to slog.Default.
func New(src io.Reader, format models.RecordFormat, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		src:       src,
		format:    format,
		logger:    logger,
		maxRecord: maxRecordBytes,
	}
}

// Next returns the next non-empty token. It returns io.EOF once the stream is exhausted and
// the carry-over has been flushed; any other error ends the stream.
func (d *Decoder) Next(ctx context.Context) (string, error) {
	for len(d.pending) == 0 {
		if d.done {
			return "", d.err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		d.fill()
	}

	token := d.pending[0]
	d.pending = d.pending[1:]
	return token, nil
}

// fill performs one read. Tokens decoded before a failure stay pending so they are
// delivered ahead of the error.
func (d *Decoder) fill() {
	if d.buf == nil {
		d.buf = make([]byte, readSize)
	}

	n, readErr := d.src.Read(d.buf)
	if n > 0 {
		tokens, err := d.Feed(d.buf[:n])
		d.pending = append(d.pending, tokens...)
		if err != nil {
			d.finish(err)
			return
		}
	}

	switch {
	case readErr == nil:
	case errors.Is(readErr, io.EOF):
		tokens, err := d.Flush()
		d.pending = append(d.pending, tokens...)
		if err != nil {
			d.finish(err)
			return
		}
		d.finish(io.EOF)
	default:
		d.finish(fmt.Errorf("read provider stream: %w", readErr))
	}
}

func (d *Decoder) finish(err error) {
	d.done = true
	d.err = err
}

// Feed consumes one chunk and returns the tokens of every record it completes. The trailing
// partial record is carried over to the next call. Only the new chunk is scanned for record
// boundaries, and a partial record longer than the record limit is logged and dropped.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	var tokens []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.hold(chunk)
			break
		}
		line := chunk[:i]
		chunk = chunk[i+1:]

		if d.skipping {
			d.skipping = false
			continue
		}
		if len(d.carry) > 0 {
			d.carry = append(d.carry, line...)
			line = d.carry
		}

		token, ok, err := d.decodeLine(string(line))
		d.carry = d.carry[:0]
		if err != nil {
			return tokens, err
		}
		if ok {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

func (d *Decoder) hold(partial []byte) {
	if d.skipping {
		return
	}
	if len(d.carry)+len(partial) > d.maxRecord {
		d.logger.Warn("dropping oversized stream record", "format", d.format, "limit_bytes", d.maxRecord)
		d.carry = d.carry[:0]
		d.skipping = true
		return
	}
	d.carry = append(d.carry, partial...)
}

// Flush processes the remaining carry-over as a final record.
func (d *Decoder) Flush() ([]string, error) {
	rest := string(d.carry)
	d.carry = nil
	if d.skipping {
		d.skipping = false
		return nil, nil
	}

	token, ok, err := d.decodeLine(rest)
	if err != nil || !ok {
		return nil, err
	}
	return []string{token}, nil
}

func (d *Decoder) decodeLine(line string) (string, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}
	if strings.HasPrefix(line, dataPrefix) {
		line = strings.TrimSpace(line[len(dataPrefix):])
	}
	if line == "" || line == sentinel {
		return "", false, nil
	}

	if !gjson.Valid(line) {
		d.logger.Warn("skipping malformed stream record", "format", d.format, "record", truncate(line, 200))
		return "", false, nil
	}

	record := gjson.Parse(line)
	if msg, ok := vendorError(record); ok {
		return "", false, fmt.Errorf("%w: %s", ErrVendorError, msg)
	}

	return extract(d.format, record)
}

// extract maps one parsed record to its content for the given format.
func extract(format models.RecordFormat, record gjson.Result) (string, bool, error) {
	var content gjson.Result
	switch format {
	case models.FormatOpenAIDelta:
		content = record.Get("choices.0.delta.content")
	case models.FormatNative:
		content = record.Get("message.content")
	case models.FormatTokenFinished:
		if record.Get("finished").Bool() {
			return "", false, nil
		}
		content = record.Get("token")
	default:
		return "", false, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if content.Type != gjson.String || content.Str == "" {
		return "", false, nil
	}
	return content.Str, true, nil
}

func vendorError(record gjson.Result) (string, bool) {
	errField := record.Get("error")
	switch {
	case !errField.Exists() || errField.Type == gjson.Null:
		return "", false
	case errField.IsObject():
		if msg := errField.Get("message").String(); msg != "" {
			return msg, true
		}
		return errField.Raw, true
	default:
		return errField.String(), true
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

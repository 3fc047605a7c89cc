package ollama

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"chatrelay/internal/models"
	"chatrelay/internal/provider"
)

var _ provider.ModelManager = (*Provider)(nil)

// Older Ollama releases read the model from "name", newer ones from "model".
type modelPayload struct {
	Name   string `json:"name"`
	Model  string `json:"model"`
	Stream *bool  `json:"stream,omitempty"`
}

// PullModel downloads name on the backend, reporting each status record as it arrives.
func (p *Provider) PullModel(ctx context.Context, name string, progress func(models.PullProgress) error) error {
	stream := true
	body, err := p.transport.OpenStream(ctx, "/api/pull", modelPayload{Name: name, Model: name, Stream: &stream})
	if err != nil {
		return fmt.Errorf("%w: %w", provider.ErrProviderUnavailable, err)
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}

		record := gjson.ParseBytes(line)
		if msg := record.Get("error").String(); msg != "" {
			return fmt.Errorf("%w: pull %s: %s", provider.ErrProviderUnavailable, name, msg)
		}
		if progress == nil {
			continue
		}
		if err := progress(models.PullProgress{
			Status:    record.Get("status").String(),
			Digest:    record.Get("digest").String(),
			Total:     record.Get("total").Int(),
			Completed: record.Get("completed").Int(),
		}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read %s pull progress: %w", p.name, err)
	}
	return nil
}

// DeleteModel removes name from the backend.
func (p *Provider) DeleteModel(ctx context.Context, name string) error {
	_, err := p.transport.DeleteJSON(ctx, "/api/delete", modelPayload{Name: name, Model: name})
	if err == nil {
		return nil
	}

	var statusErr *provider.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", provider.ErrModelNotFound, name)
	}
	return fmt.Errorf("%w: %w", provider.ErrProviderUnavailable, err)
}

package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/models"
)

var errEmptyModelName = errors.New("model name must not be empty")

// Pull event types.
const (
	PullProgressEvent = "progress"
	PullSuccessEvent  = "success"
	PullErrorEvent    = "error"
)

// PullRequest models the body of the model pull endpoint.
type PullRequest struct {
	Name string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *PullRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode pull request: %w", err)
	}

	r.Name = strings.TrimSpace(raw.Name)
	if r.Name == "" {
		return errEmptyModelName
	}
	return nil
}

// ModelCheckResponse reports whether the active provider offers a model.
type ModelCheckResponse struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// ModelDeleteResponse confirms a model removal.
type ModelDeleteResponse struct {
	Model   string `json:"model"`
	Message string `json:"message"`
}

// FromDeletedModel builds the delete confirmation.
func FromDeletedModel(name string) ModelDeleteResponse {
	return ModelDeleteResponse{Model: name, Message: fmt.Sprintf("model %s deleted", name)}
}

// PullEvent is one server-sent record of a model pull.
type PullEvent struct {
	Type      string `json:"type"`
	Model     string `json:"model,omitempty"`
	Status    string `json:"status,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Message   string `json:"message,omitempty"`
}

// FromPullProgress builds a progress record.
func FromPullProgress(name string, p models.PullProgress) PullEvent {
	return PullEvent{
		Type:      PullProgressEvent,
		Model:     name,
		Status:    p.Status,
		Digest:    p.Digest,
		Total:     p.Total,
		Completed: p.Completed,
	}
}

// PullSucceeded builds the closing record of a finished pull.
func PullSucceeded(name string) PullEvent {
	return PullEvent{Type: PullSuccessEvent, Model: name, Message: fmt.Sprintf("model %s pulled", name)}
}

// PullFailed builds the closing record of a failed pull.
func PullFailed(name string, err error) PullEvent {
	return PullEvent{Type: PullErrorEvent, Model: name, Message: err.Error()}
}

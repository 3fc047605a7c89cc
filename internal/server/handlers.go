package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"chatrelay/internal/decoder"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/relay"
	"chatrelay/internal/retention"
	"chatrelay/internal/translator"
)

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	p := s.relay.Provider()
	return c.JSON(http.StatusOK, translator.HealthResponse{
		Status:          "ok",
		Provider:        p.Name(),
		ProviderHealthy: p.CheckHealth(ctx),
		Time:            time.Now().UTC(),
	})
}

func (s *Server) handleModels(c echo.Context) error {
	p := s.relay.Provider()
	list, err := p.ListModels(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromModels(p.Name(), list))
}

func (s *Server) handleModelInfo(c echo.Context) error {
	name, err := modelName(c)
	if err != nil {
		return err
	}

	model, err := provider.FindModel(c.Request().Context(), s.relay.Provider(), name)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, model)
}

// handleModelCheck answers availability only; a backend that cannot list its models reports
// the model as unavailable.
func (s *Server) handleModelCheck(c echo.Context) error {
	name, err := modelName(c)
	if err != nil {
		return err
	}

	_, err = provider.FindModel(c.Request().Context(), s.relay.Provider(), name)
	if err != nil && !errors.Is(err, provider.ErrModelNotFound) {
		s.logger.Warn("model check failed", "model", name, "error", err)
	}
	return c.JSON(http.StatusOK, translator.ModelCheckResponse{Name: name, Available: err == nil})
}

func (s *Server) handleModelPull(c echo.Context) error {
	var req translator.PullRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	manager, err := s.modelManager()
	if err != nil {
		return toHTTPError(err)
	}

	sink, err := newSSESink(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	err = manager.PullModel(ctx, req.Name, func(p models.PullProgress) error {
		return sink.write(translator.FromPullProgress(req.Name, p))
	})
	if err == nil {
		s.logger.Info("model pulled", "model", req.Name, "provider", s.relay.Provider().Name())
		if err := sink.write(translator.PullSucceeded(req.Name)); err != nil {
			s.logger.Debug("pull result not delivered", "model", req.Name, "error", err)
		}
		return nil
	}

	if !sink.started() {
		return toHTTPError(err)
	}
	if ctx.Err() != nil {
		s.logger.Debug("pull stream closed by client", "model", req.Name)
		return nil
	}
	s.logger.Warn("model pull failed", "model", req.Name, "error", err)
	if err := sink.write(translator.PullFailed(req.Name, err)); err != nil {
		s.logger.Debug("pull result not delivered", "model", req.Name, "error", err)
	}
	return nil
}

func (s *Server) handleModelDelete(c echo.Context) error {
	name, err := modelName(c)
	if err != nil {
		return err
	}

	manager, err := s.modelManager()
	if err != nil {
		return toHTTPError(err)
	}

	if err := manager.DeleteModel(c.Request().Context(), name); err != nil {
		return toHTTPError(err)
	}
	s.logger.Info("model deleted", "model", name, "provider", s.relay.Provider().Name())
	return c.JSON(http.StatusOK, translator.FromDeletedModel(name))
}

func (s *Server) modelManager() (provider.ModelManager, error) {
	p := s.relay.Provider()
	manager, ok := p.(provider.ModelManager)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot manage models", provider.ErrUnsupported, p.Name())
	}
	return manager, nil
}

// modelName reads the :name path parameter. Names may arrive percent-encoded.
func modelName(c echo.Context) (string, error) {
	name, err := url.PathUnescape(c.Param("name"))
	if err == nil {
		name = strings.TrimSpace(name)
	}
	if err != nil || name == "" {
		return "", requestError{
			Status:  http.StatusBadRequest,
			Message: "model name must not be empty",
			Type:    "invalid_request_error",
		}
	}
	return name, nil
}

func (s *Server) handleListConversations(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "limit must be a positive integer",
				Type:    "invalid_request_error",
			}
		}
		limit = n
	}
	if limit == 0 || limit > s.cfg.Retention.ListLimit {
		limit = s.cfg.Retention.ListLimit
	}

	convs, err := s.conversations.ListConversations(c.Request().Context(), ownerOf(c), limit)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromConversations(convs, limit))
}

func (s *Server) handleCreateConversation(c echo.Context) error {
	var req translator.TitleRequest
	if c.Request().ContentLength != 0 {
		if err := decodeRequestBody(c, &req); err != nil {
			return err
		}
	}

	conv, err := s.conversations.CreateConversation(c.Request().Context(), ownerOf(c), req.Title)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, translator.FromConversation(conv, nil))
}

func (s *Server) handleGetConversation(c echo.Context) error {
	conv, msgs, err := s.conversations.GetConversation(c.Request().Context(), c.Param("id"), ownerOf(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromConversation(conv, msgs))
}

func (s *Server) handleRenameConversation(c echo.Context) error {
	var req translator.TitleRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}
	title, err := req.RenameTitle()
	if err != nil {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}

	conv, err := s.conversations.RenameConversation(c.Request().Context(), c.Param("id"), ownerOf(c), title)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromConversation(conv, nil))
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	if err := s.conversations.DeleteConversation(c.Request().Context(), c.Param("id"), ownerOf(c)); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleChat(c echo.Context) error {
	var req translator.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	reply, err := s.relay.Complete(c.Request().Context(), req.ToTurn(ownerOf(c)))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromReply(reply))
}

func (s *Server) handleChatStream(c echo.Context) error {
	var req translator.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	sink, err := newSSESink(c)
	if err != nil {
		return err
	}

	err = s.relay.Stream(c.Request().Context(), req.ToTurn(ownerOf(c)), sink)
	if err == nil {
		return nil
	}
	if !sink.started() {
		// Nothing reached the client yet, so a regular JSON error still fits.
		return toHTTPError(err)
	}
	if errors.Is(err, relay.ErrCancelled) {
		s.logger.Debug("stream closed by client", "owner_id", ownerOf(c))
	}
	// Failures after the stream opened were reported in-band.
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid request: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	return c.JSON(status, payload)
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

// toHTTPError maps domain errors onto client-facing statuses.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, retention.ErrOwnershipViolation):
		return requestError{Status: http.StatusForbidden, Message: retention.ErrOwnershipViolation.Error(), Type: "permission_error"}
	case errors.Is(err, retention.ErrNotFound):
		return requestError{Status: http.StatusNotFound, Message: "conversation not found", Type: "not_found_error"}
	case errors.Is(err, provider.ErrModelNotFound):
		return requestError{Status: http.StatusNotFound, Message: err.Error(), Type: "not_found_error"}
	case errors.Is(err, provider.ErrUnsupported):
		return requestError{Status: http.StatusNotImplemented, Message: err.Error(), Type: "not_implemented_error"}
	case errors.Is(err, retention.ErrInvalidArgument), errors.Is(err, relay.ErrEmptyMessage):
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	case errors.Is(err, provider.ErrProviderUnavailable),
		errors.Is(err, provider.ErrGenerationFailed),
		errors.Is(err, decoder.ErrVendorError):
		return requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error"}
	case errors.Is(err, relay.ErrPersistence):
		return requestError{Status: http.StatusInternalServerError, Message: relay.ErrPersistence.Error(), Type: "server_error"}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

// Package storeclient talks to the Attempt Store over HTTP.
package storeclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-attempt/internal/engine"
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/validator"
)

const apiPrefix = "/api/v1"

// errorBody mirrors the store's error envelope.
type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type envelope[T any] struct {
	Data  T          `json:"data"`
	Error *errorBody `json:"error,omitempty"`
}

// StatusError is a non-2xx answer from the store. It unwraps to the engine
// sentinel matching its status, so the dispatcher knows whether to retry.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("attempt store returned %d", e.Status)
	}
	return fmt.Sprintf("attempt store returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the status onto engine sentinels. Rate limiting, a duplicate
// still in flight (425) and server errors stay transient.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusConflict:
		return engine.ErrConflict
	case e.Status == http.StatusNotFound:
		return engine.ErrNotFound
	case e.Status == http.StatusTooManyRequests, e.Status == http.StatusTooEarly:
		return nil
	case e.Status >= 400 && e.Status < 500:
		return engine.ErrRejected
	}
	return nil
}

// Client implements engine.AttemptStore.
type Client struct {
	http *req.Client
	log  zerolog.Logger
}

// New returns a client for the store at baseURL authenticated with token.
func New(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	httpClient := req.C().
		SetBaseURL(baseURL + apiPrefix).
		SetTimeout(timeout).
		SetUserAgent("exstem-candidate").
		SetCommonHeader("Accept", "application/json")
	if token != "" {
		httpClient = httpClient.SetCommonBearerAuthToken(token)
	}
	return &Client{
		http: httpClient,
		log:  log.With().Str("component", "store_client").Logger(),
	}
}

var _ engine.AttemptStore = (*Client)(nil)

// StartAttempt starts (or resumes) the caller's attempt on a test.
func (c *Client) StartAttempt(ctx context.Context, testID uuid.UUID) (*model.AttemptState, error) {
	var out envelope[model.AttemptState]
	r := c.http.R().
		SetContext(ctx).
		SetPathParam("test_id", testID.String())
	if err := c.do(r, http.MethodPost, "/tests/{test_id}/attempts", &out); err != nil {
		return nil, fmt.Errorf("failed to start attempt: %w", err)
	}
	if err := validateState(&out.Data); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// FetchAttempt implements engine.AttemptStore.
func (c *Client) FetchAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptState, error) {
	var out envelope[model.AttemptState]
	r := c.attempt(ctx, attemptID)
	if err := c.do(r, http.MethodGet, "/attempts/{attempt_id}", &out); err != nil {
		return nil, fmt.Errorf("failed to fetch attempt: %w", err)
	}
	if err := validateState(&out.Data); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// SaveAnswer implements engine.AttemptStore.
func (c *Client) SaveAnswer(ctx context.Context, attemptID uuid.UUID, body model.SaveAnswerRequest) error {
	r := c.attempt(ctx, attemptID).SetBody(body)
	return c.send(r, "/attempts/{attempt_id}/answers", body.IdempotencyKey, nil)
}

// ToggleReview implements engine.AttemptStore.
func (c *Client) ToggleReview(ctx context.Context, attemptID uuid.UUID, body model.ReviewRequest) error {
	r := c.attempt(ctx, attemptID).SetBody(body)
	return c.send(r, "/attempts/{attempt_id}/review", body.IdempotencyKey, nil)
}

// Pause implements engine.AttemptStore.
func (c *Client) Pause(ctx context.Context, attemptID uuid.UUID, body model.PauseRequest) error {
	r := c.attempt(ctx, attemptID).SetBody(body)
	return c.send(r, "/attempts/{attempt_id}/pause", body.IdempotencyKey, nil)
}

// Resume implements engine.AttemptStore.
func (c *Client) Resume(ctx context.Context, attemptID uuid.UUID, body model.ResumeRequest) error {
	r := c.attempt(ctx, attemptID).SetBody(body)
	return c.send(r, "/attempts/{attempt_id}/resume", body.IdempotencyKey, nil)
}

// Submit implements engine.AttemptStore.
func (c *Client) Submit(ctx context.Context, attemptID uuid.UUID, body model.SubmitRequest) (*model.SubmitResult, error) {
	var out envelope[model.SubmitResult]
	r := c.attempt(ctx, attemptID).SetBody(body)
	if err := c.send(r, "/attempts/{attempt_id}/submit", body.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// SubmitSection implements engine.AttemptStore.
func (c *Client) SubmitSection(ctx context.Context, attemptID, sectionID uuid.UUID, body model.SubmitSectionRequest) (*model.SectionSubmitResult, error) {
	var out envelope[model.SectionSubmitResult]
	r := c.attempt(ctx, attemptID).
		SetPathParam("section_id", sectionID.String()).
		SetBody(body)
	if err := c.send(r, "/attempts/{attempt_id}/sections/{section_id}/submit", body.IdempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) attempt(ctx context.Context, attemptID uuid.UUID) *req.Request {
	return c.http.R().
		SetContext(ctx).
		SetPathParam("attempt_id", attemptID.String())
}

// send POSTs a mutation with its idempotency key.
func (c *Client) send(r *req.Request, path, key string, out interface{}) error {
	if key != "" {
		r.SetHeader(model.IdempotencyHeader, key)
	}
	return c.do(r, http.MethodPost, path, out)
}

func (c *Client) do(r *req.Request, method, path string, out interface{}) error {
	var fail envelope[any]
	if out != nil {
		r.SetSuccessResult(out)
	}
	r.SetErrorResult(&fail)

	resp, err := r.Send(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsSuccessState() {
		return nil
	}

	se := &StatusError{Status: resp.StatusCode}
	if fail.Error != nil {
		se.Code = fail.Error.Code
		se.Message = fail.Error.Message
	}
	c.log.Debug().Int("status", se.Status).Str("code", se.Code).Str("path", path).Msg("Store rejected request")
	return se
}

// validateState checks the pass-through question content. A malformed
// payload is permanent; retrying would fetch the same thing.
func validateState(state *model.AttemptState) error {
	if err := validator.Struct(state); err != nil {
		return fmt.Errorf("invalid attempt payload: %w: %w", engine.ErrRejected, err)
	}
	return nil
}

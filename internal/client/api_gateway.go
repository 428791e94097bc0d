package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

const DefaultAPITimeout = 30 * time.Second

type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindMalformed   ErrorKind = "malformed"
	KindServerError ErrorKind = "server_error"
)

// APIError is returned for every failed Process call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("api %s: %v", e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf returns the kind of an *APIError anywhere in err's chain, or "".
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// SettingsSource supplies the stored settings; a non-empty APIURL there
// overrides the URL the gateway was built with.
type SettingsSource interface {
	GetSettings(ctx context.Context) (model.Settings, error)
}

type APIReply struct {
	Response  string `json:"response"`
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
}

type APIGateway struct {
	url      string
	settings SettingsSource
	client   *http.Client
	newID  func() string
	now    func() time.Time
}

func NewAPIGateway(url string, timeout time.Duration) *APIGateway {
	if timeout <= 0 {
		timeout = DefaultAPITimeout
	}
	return &APIGateway{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

// WithSettings makes the gateway read the API URL from src on every call.
func (g *APIGateway) WithSettings(src SettingsSource) *APIGateway {
	g.settings = src
	return g
}

// endpoint prefers the stored API URL and falls back to the configured one
// when settings are missing, empty or unreadable.
func (g *APIGateway) endpoint(ctx context.Context) string {
	if g.settings == nil {
		return g.url
	}
	s, err := g.settings.GetSettings(ctx)
	if err != nil {
		return g.url
	}
	if u := strings.TrimSpace(s.APIURL); u != "" {
		return u
	}
	return g.url
}

type processRequest struct {
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"messageId"`
}

type processResponse struct {
	Response  string          `json:"response"`
	Status    string          `json:"status"`
	MessageID string          `json:"messageId"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Process sends one message to the remote API. It performs exactly one HTTP
// request; retrying is up to the caller.
func (g *APIGateway) Process(ctx context.Context, sender, body string) (*APIReply, error) {
	reqBody, err := json.Marshal(processRequest{
		From:      sender,
		Body:      body,
		Timestamp: g.now().UTC(),
		MessageID: g.newID(),
	})
	if err != nil {
		return nil, &APIError{Kind: KindMalformed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(ctx), bytes.NewReader(reqBody))
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &APIError{Kind: transportKind(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: transportKind(err), StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			Kind:       KindServerError,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(respBody)),
		}
	}

	var pr processResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, &APIError{
			Kind:       KindMalformed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to decode json: %w body=%q", err, string(respBody)),
		}
	}
	if strings.TrimSpace(pr.Response) == "" {
		return nil, &APIError{
			Kind:       KindMalformed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("missing response in body=%q", string(respBody)),
		}
	}

	return &APIReply{
		Response:  pr.Response,
		Status:    pr.Status,
		MessageID: pr.MessageID,
		Timestamp: rawScalar(pr.Timestamp),
	}, nil
}

// rawScalar renders a JSON string or number as plain text.
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func transportKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

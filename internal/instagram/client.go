// Package instagram wraps the three Graph API calls used to publish a Reel:
// create a media container, poll its processing status, and publish it.
// Each call is a single request/response; retry policy belongs to the caller.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://graph.facebook.com/v20.0"

type StatusCode string

const (
	StatusInProgress StatusCode = "IN_PROGRESS"
	StatusReady      StatusCode = "READY"
	StatusError      StatusCode = "ERROR"
)

var (
	// ErrRejected means the Graph API refused the request. Not retried.
	ErrRejected = errors.New("remote rejected request")
	// ErrUnreachable means the request never produced a usable answer.
	ErrUnreachable = errors.New("remote unreachable")
)

// APIError carries the message the Graph API returned for a failed call.
type APIError struct {
	Op         string
	HTTPStatus int
	Code       int
	Type       string
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.kind
}

type Config struct {
	BaseURL     string
	UserID      string
	AccessToken string
	// RPS paces outbound calls. 0 disables pacing.
	RPS        int
	HTTPClient *http.Client
}

// Client is safe for concurrent use; construct it once and share it.
type Client struct {
	base    string
	userID  string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{base: base, userID: cfg.UserID, token: cfg.AccessToken, http: hc}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.RPS)
	}
	return c
}

// CreateContainer uploads videoURL as a Reel container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, videoURL, caption string) (string, error) {
	params := url.Values{
		"media_type": {"REELS"},
		"video_url":  {videoURL},
		"caption":    {caption},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "create container", http.MethodPost, c.userID+"/media", params, ErrRejected, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &APIError{Op: "create container", Message: "create container: response has no id", kind: ErrRejected}
	}
	return out.ID, nil
}

// CheckStatus reports where the container is in remote processing.
// FINISHED and PUBLISHED map to StatusReady; ERROR, EXPIRED and any
// unrecognised code map to StatusError.
func (c *Client) CheckStatus(ctx context.Context, containerID string) (StatusCode, error) {
	var out struct {
		StatusCode string `json:"status_code"`
	}
	params := url.Values{"fields": {"status_code"}}
	if err := c.call(ctx, "check status", http.MethodGet, containerID, params, ErrUnreachable, &out); err != nil {
		return "", err
	}
	return mapStatus(out.StatusCode), nil
}

// Publish finalizes a container that reached StatusReady and returns the media ID.
func (c *Client) Publish(ctx context.Context, containerID string) (string, error) {
	params := url.Values{"creation_id": {containerID}}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, "publish", http.MethodPost, c.userID+"/media_publish", params, ErrRejected, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &APIError{Op: "publish", Message: "publish: response has no id", kind: ErrRejected}
	}
	return out.ID, nil
}

// Permalink returns the public URL shown to users after publishing.
func Permalink(publishedID string) string {
	return "https://www.instagram.com/p/" + publishedID + "/"
}

// mapStatus treats an empty or unrecognised code as an error, never as ready.
func mapStatus(code string) StatusCode {
	switch code {
	case "IN_PROGRESS":
		return StatusInProgress
	case "FINISHED", "PUBLISHED":
		return StatusReady
	default:
		return StatusError
	}
}

// call performs one Graph API request. Non-2xx answers become *APIError of
// the given kind; transport failures always wrap ErrUnreachable.
func (c *Client) call(ctx context.Context, op, method, path string, params url.Values, kind error, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w: %v", op, ErrUnreachable, err)
		}
	}

	params.Set("access_token", c.token)
	endpoint := c.base + "/" + strings.TrimLeft(path, "/") + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnreachable, redact(err, c.token))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w: %v", op, ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(op, resp.StatusCode, body, kind)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w: %v", op, ErrUnreachable, err)
	}
	return nil
}

func decodeAPIError(op string, status int, body []byte, kind error) *APIError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	e := &APIError{Op: op, HTTPStatus: status, kind: kind}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		e.Message = envelope.Error.Message
		e.Type = envelope.Error.Type
		e.Code = envelope.Error.Code
	} else {
		e.Message = fmt.Sprintf("%s: unexpected HTTP status %d", op, status)
	}
	return e
}

// redact strips the access token from transport errors, which embed the URL.
func redact(err error, token string) string {
	msg := err.Error()
	if token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, url.QueryEscape(token), "REDACTED")
}

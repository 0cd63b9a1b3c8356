// Package ghapi is a small GitHub REST client: token identity checks and SSH
// key registration. Responses are size capped and requests time bounded.
package ghapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/andrej220/devterm/pkg/lg"
)

const (
	APIVersion       = "2022-11-28"
	mediaType        = "application/vnd.github+json"
	DefaultBaseURL   = "https://api.github.com/"
	DefaultTimeout   = 15 * time.Second
	DefaultMaxBytes  = 1 << 20
	DefaultUserAgent = "DevTerm-App"
)

var (
	ErrResponseTooLarge = errors.New("github api response too large")
	ErrRequestTimeout   = errors.New("github api request timed out")
)

type Kind int

const (
	KindUnexpected Kind = iota
	KindUnauthorized
	KindForbidden
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "validation"
	default:
		return "unexpected"
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Kind       Kind
	Message    string
	// Messages lists the top-level message followed by every per-field message.
	Messages []string
	Body     string
}

func (e *APIError) Error() string {
	switch e.Kind {
	case KindUnauthorized:
		return "invalid or expired personal access token"
	case KindForbidden:
		return "token lacks required scope (admin:public_key) or rate limited"
	case KindValidation:
		if e.Message != "" {
			return e.Message
		}
		return "github api validation error"
	default:
		return fmt.Sprintf("github api error: %d - %s", e.StatusCode, e.Body)
	}
}

type Options struct {
	BaseURL          string
	Timeout          time.Duration
	MaxResponseBytes int64
	UserAgent        string
	// HTTPClient is used as is when set; Timeout is then ignored.
	HTTPClient *http.Client
	Logger     lg.Logger
}

type Client struct {
	gh       *github.Client
	http     *http.Client
	maxBytes int64
	logger   lg.Logger
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(opts.BaseURL, "/") {
		opts.BaseURL += "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("github base url: %w", err)
	}
	gh := github.NewClient(nil)
	gh.BaseURL = base
	gh.UserAgent = opts.UserAgent

	return &Client{gh: gh, http: httpClient, maxBytes: opts.MaxResponseBytes, logger: lg.OrDiscard(opts.Logger)}, nil
}

type Identity struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

// CheckIdentity validates token and returns the account it belongs to.
func (c *Client) CheckIdentity(ctx context.Context, token string) (Identity, error) {
	body, err := c.do(ctx, token, http.MethodGet, "user", nil)
	if err != nil {
		return Identity{}, err
	}
	var user github.User
	if err := json.Unmarshal(body, &user); err != nil {
		return Identity{}, fmt.Errorf("decode user: %w", err)
	}
	id := Identity{Login: user.GetLogin(), Name: user.GetName()}
	if id.Login == "" {
		id.Login = "unknown"
	}
	return id, nil
}

type Registration struct {
	ID            int64 `json:"id,omitempty"`
	AlreadyExists bool  `json:"alreadyExists"`
}

// RegisterKey adds an SSH public key to the token owner's account. A key the
// account already has is reported as AlreadyExists rather than an error.
func (c *Client) RegisterKey(ctx context.Context, token, key, title string) (Registration, error) {
	body, err := c.do(ctx, token, http.MethodPost, "user/keys", &github.Key{
		Title: github.String(title),
		Key:   github.String(key),
	})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindValidation && isDuplicateKey(apiErr.Messages) {
		c.logger.Info("key already registered", lg.String("title", title))
		return Registration{AlreadyExists: true}, nil
	}
	if err != nil {
		return Registration{}, err
	}
	var created github.Key
	if err := json.Unmarshal(body, &created); err != nil {
		return Registration{}, fmt.Errorf("decode key: %w", err)
	}
	return Registration{ID: created.GetID()}, nil
}

func isDuplicateKey(messages []string) bool {
	for _, m := range messages {
		if strings.Contains(m, "already in use") || strings.Contains(m, "already exists") {
			return true
		}
	}
	return false
}

// do sends one request and returns the body of a 2xx response. The body is
// read through a limit of maxBytes+1 so an oversized response is detected
// without buffering it.
func (c *Client) do(ctx context.Context, token, method, path string, payload any) ([]byte, error) {
	req, err := c.gh.NewRequest(method, path, payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", mediaType)
	req.Header.Set("X-GitHub-Api-Version", APIVersion)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, c.transportError(err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, ErrResponseTooLarge
	}

	c.logger.Debug("github api call",
		lg.String("method", method), lg.String("path", path),
		lg.Int("status", resp.StatusCode), lg.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classify(resp.StatusCode, body)
}

func (c *Client) transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	return fmt.Errorf("github api request: %w", err)
}

func classify(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var parsed github.ErrorResponse
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Message = parsed.Message
		if parsed.Message != "" {
			apiErr.Messages = append(apiErr.Messages, parsed.Message)
		}
		for _, e := range parsed.Errors {
			if e.Message != "" {
				apiErr.Messages = append(apiErr.Messages, e.Message)
			}
		}
	}
	switch status {
	case http.StatusUnauthorized:
		apiErr.Kind = KindUnauthorized
	case http.StatusForbidden:
		apiErr.Kind = KindForbidden
	case http.StatusUnprocessableEntity:
		apiErr.Kind = KindValidation
	default:
		apiErr.Kind = KindUnexpected
	}
	return apiErr
}

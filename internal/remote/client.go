// Package remote is the client for the content backend that owns sessions,
// generation and export.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/liliang-cn/guideflow/internal/domain"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyDone is the backend's conflict signal: the session is already
	// past the requested step. Callers treat it as success.
	ErrAlreadyDone = errors.New("already done")
	// ErrNotFound is returned for 404 responses
	ErrNotFound = errors.New("not found on backend")
)

// APIError is a non-2xx backend response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// Is maps status codes onto the package sentinels
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAlreadyDone:
		return e.Status == http.StatusConflict
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// IsTransient reports network failures and 5xx responses
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Options configures a Client
type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client talks JSON to the backend
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a backend client
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("backend base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    hc,
		limiter: limiter,
	}, nil
}

func sessionPath(sessionID string, parts ...string) string {
	p := "/sessions/" + url.PathEscape(sessionID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func sectionPath(sessionID string, number int, parts ...string) string {
	return sessionPath(sessionID, append([]string{"sections", strconv.Itoa(number)}, parts...)...)
}

// do sends a JSON request and decodes a JSON response into out (if non-nil)
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("backend rate limit: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer func() { _ = resp.Body.Close() }()
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload errorPayload
	if data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); len(data) > 0 {
		if json.Unmarshal(data, &payload) == nil && (payload.Error != "" || payload.Message != "") {
			apiErr.Message = payload.Error
			if apiErr.Message == "" {
				apiErr.Message = payload.Message
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	return nil, fmt.Errorf("%s %s: %w", method, path, apiErr)
}

// CreateSession creates a backend session
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	var out CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("create session: empty session id: %w", domain.ErrInvalidRequest)
	}
	return &out, nil
}

// RenameSession stores the user's name and returns the personalised intro
func (c *Client) RenameSession(ctx context.Context, sessionID, name string) (*RenameResponse, error) {
	var out RenameResponse
	err := c.do(ctx, http.MethodPut, sessionPath(sessionID, "name"), map[string]string{"name": name}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StartPhase starts the question phase; ErrAlreadyDone when already started
func (c *Client) StartPhase(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "start"), nil, nil)
}

// SubmitAnswer submits a main-loop answer
func (c *Client) SubmitAnswer(ctx context.Context, sessionID string, req AnswerRequest) (*AnswerResponse, error) {
	var out AnswerResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "answers"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateSection asks the backend to generate section number
func (c *Client) GenerateSection(ctx context.Context, sessionID string, number int) (*SectionResponse, error) {
	var out SectionResponse
	if err := c.do(ctx, http.MethodPost, sectionPath(sessionID, number, "generate"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SectionStatus polls generation status of a section
func (c *Client) SectionStatus(ctx context.Context, sessionID string, number int) (*SectionStatusResponse, error) {
	var out SectionStatusResponse
	if err := c.do(ctx, http.MethodGet, sectionPath(sessionID, number), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmQuestion approves one generated answer
func (c *Client) ConfirmQuestion(ctx context.Context, sessionID string, number int, responseID string) error {
	return c.do(ctx, http.MethodPost, sectionPath(sessionID, number, "questions", responseID, "confirm"), nil, nil)
}

// ConfirmSection approves a whole section
func (c *Client) ConfirmSection(ctx context.Context, sessionID string, number int) (*ConfirmSectionResponse, error) {
	var out ConfirmSectionResponse
	if err := c.do(ctx, http.MethodPost, sectionPath(sessionID, number, "confirm"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAnswer stores the user's edit of a generated answer
func (c *Client) UpdateAnswer(ctx context.Context, sessionID string, number int, responseID, answer string) (*QuestionResponse, error) {
	var out QuestionResponse
	err := c.do(ctx, http.MethodPut, sectionPath(sessionID, number, "questions", responseID),
		map[string]string{"answer": answer}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RegenerateAnswer asks for fresh content for one question
func (c *Client) RegenerateAnswer(ctx context.Context, sessionID string, number int, responseID string) (*QuestionResponse, error) {
	var out QuestionResponse
	if err := c.do(ctx, http.MethodPost, sectionPath(sessionID, number, "questions", responseID, "regenerate"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProgress fetches the backend's snapshot. A 404 yields an empty progress.
func (c *Client) GetProgress(ctx context.Context, sessionID string) (*Progress, error) {
	var out Progress
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "progress"), nil, &out)
	if errors.Is(err, ErrNotFound) {
		return &Progress{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveProgress stores the resume position on the backend
func (c *Client) SaveProgress(ctx context.Context, sessionID string, pos domain.Position) error {
	return c.do(ctx, http.MethodPut, sessionPath(sessionID, "progress"), pos, nil)
}

// GetHistory fetches the conversation transcript
func (c *Client) GetHistory(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	var out historyPayload
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "history"), nil, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SaveHistory replaces the stored transcript
func (c *Client) SaveHistory(ctx context.Context, sessionID string, messages []*domain.Message) error {
	return c.do(ctx, http.MethodPut, sessionPath(sessionID, "history"), historyPayload{Messages: messages}, nil)
}

// Export downloads the final artifact; the caller closes the reader
func (c *Client) Export(ctx context.Context, sessionID string) (io.ReadCloser, string, error) {
	resp, err := c.send(ctx, http.MethodGet, sessionPath(sessionID, "export"), nil)
	if err != nil {
		return nil, "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	return resp.Body, contentType, nil
}

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-portal/internal/model"
)

// Sentinel errors for upstream outcomes the portal reacts to specially.
// Anything else is a generic, retryable failure.
var (
	ErrInvalidCredentials = errors.New("upstream rejected the credentials")
	ErrUnauthorized       = errors.New("upstream rejected the bearer credential")
	ErrExamNotFound       = errors.New("exam not found upstream")
	// ErrAlreadySubmitted is deliberately distinct from generic failure:
	// a duplicate submission means the answers are already safe upstream,
	// and must never be presented to the student as data loss.
	ErrAlreadySubmitted = errors.New("attempt already submitted upstream")
)

// Client talks to the assessment backend that owns exams, grading and
// results. The portal attaches a bearer credential to every request and
// performs no validation beyond reacting to the status code.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates an upstream client rooted at baseURL (no trailing slash).
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "upstream").Logger(),
	}
}

// envelope mirrors the upstream response wrapper {data, error, metadata}.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// LoginResult is the upstream credential exchange response.
type LoginResult struct {
	Token   string  `json:"token"`
	Student Student `json:"student"`
}

// Student is the upstream's view of the authenticated student.
type Student struct {
	ID   int    `json:"id"`
	NISN string `json:"nisn"`
	Name string `json:"name"`
}

// Login exchanges student credentials for an upstream bearer token.
func (c *Client) Login(ctx context.Context, nisn, password string) (*LoginResult, error) {
	body := map[string]string{"nisn": nisn, "password": password}

	var result LoginResult
	err := c.do(ctx, http.MethodPost, "/auth/student/login", "", body, &result)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return &result, nil
}

// FetchPaper retrieves the exam definition: title, duration in minutes,
// total marks and the ordered question list.
func (c *Client) FetchPaper(ctx context.Context, bearer string, examID uuid.UUID) (*model.ExamPaper, error) {
	var paper model.ExamPaper
	path := fmt.Sprintf("/student/exams/%s/paper", examID)
	if err := c.do(ctx, http.MethodGet, path, bearer, nil, &paper); err != nil {
		return nil, err
	}
	return &paper, nil
}

// SubmitAttempt forwards the finished attempt for grading and storage.
func (c *Client) SubmitAttempt(ctx context.Context, bearer string, sub *model.Submission) error {
	path := fmt.Sprintf("/student/exams/%s/submit", sub.ExamID)
	return c.do(ctx, http.MethodPost, path, bearer, sub, nil)
}

// do performs one request against the upstream, decoding the data envelope
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		c.log.Debug().
			Int("status", resp.StatusCode).
			Str("path", path).
			Msg("Upstream error status")
		return err
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode upstream data: %w", err)
	}
	return nil
}

// statusError maps an upstream HTTP status to a portal error.
func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrExamNotFound
	case status == http.StatusConflict:
		return ErrAlreadySubmitted
	default:
		return fmt.Errorf("upstream returned status %d", status)
	}
}

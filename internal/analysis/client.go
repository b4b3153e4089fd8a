// Package analysis wraps the external AI analysis endpoint behind a narrow
// client interface so the transport is swappable in tests. Retries are not
// performed here; the orchestrator owns the retry budget.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Request is the value-like unit of work sent to the analysis engine. It is
// disposable: the retry budget belongs to the submission, not the request.
type Request struct {
	SubmissionID string `json:"submission_id"`
	AssignmentID string `json:"assignment_id"`
	StudentID    string `json:"student_id"`
	Content      string `json:"content"`
	Subject      string `json:"subject,omitempty"`
	Level        string `json:"level,omitempty"`
}

// Result is the structured analysis payload. Validate enforces the fields the
// pipeline requires before a submission may advance.
type Result struct {
	Summary          string    `json:"summary"`
	GradeSuggestion  string    `json:"grade_suggestion"`
	Strengths        []string  `json:"strengths"`
	ImprovementAreas []string  `json:"improvement_areas"`
	ProcessedAt      time.Time `json:"processed_at"`
}

// Grades is the fixed ordinal grading scale.
var Grades = map[string]bool{"E": true, "D": true, "C": true, "B": true, "A": true}

// Validate checks required result fields. A violation is a permanent failure:
// retrying reproduces the same malformed output.
func (r Result) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return &MalformedError{Reason: "summary missing"}
	}
	if r.GradeSuggestion != "" && !Grades[r.GradeSuggestion] {
		return &MalformedError{Reason: fmt.Sprintf("grade_suggestion %q not in scale", r.GradeSuggestion)}
	}
	if r.ImprovementAreas == nil {
		return &MalformedError{Reason: "improvement_areas missing"}
	}
	return nil
}

type Client interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient posts one analysis request per call to the engine's /analyze
// endpoint and classifies failures as transient or permanent.
type HTTPClient struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("analysis base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/analyze"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
	}, nil
}

// envelope mirrors the engine's response shape.
type envelope struct {
	Success     bool      `json:"success"`
	Analysis    *Result   `json:"analysis"`
	ProcessedAt time.Time `json:"processed_at"`
	Error       string    `json:"error,omitempty"`
}

func (c *HTTPClient) Analyze(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("analysis marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("analysis build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Connection errors and deadline hits both surface here.
		return Result{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	return decodeResult(resp)
}

func decodeResult(resp *http.Response) (Result, error) {
	switch {
	case resp.StatusCode >= 500:
		return Result{}, &ServerError{Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return Result{}, &ClientError{Status: resp.StatusCode}
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Result{}, &MalformedError{Reason: fmt.Sprintf("decode response: %v", err)}
	}
	if !env.Success || env.Analysis == nil {
		return Result{}, &MalformedError{Reason: "engine reported no analysis"}
	}
	res := *env.Analysis
	if res.ProcessedAt.IsZero() {
		res.ProcessedAt = env.ProcessedAt
	}
	return res, nil
}

// StaticClient returns a canned result without calling out. Used in sandbox
// mode and as the default when no engine URL is configured.
type StaticClient struct {
	Grade string
}

func NewStaticClient(grade string) *StaticClient {
	if grade == "" {
		grade = "C"
	}
	return &StaticClient{Grade: grade}
}

func (s *StaticClient) Analyze(ctx context.Context, req Request) (Result, error) {
	return Result{
		Summary:          fmt.Sprintf("sandbox analysis of submission %s", req.SubmissionID),
		GradeSuggestion:  s.Grade,
		ImprovementAreas: []string{},
		ProcessedAt:      time.Now().UTC(),
	}, nil
}

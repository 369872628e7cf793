// Package processor talks to the external video-to-narrative service.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/movie2book/backend/internal/models"
)

var (
	// ErrUpstreamUnavailable is retryable: the processor timed out, refused
	// the connection or answered 5xx.
	ErrUpstreamUnavailable = errors.New("processor: upstream unavailable")
	ErrResultNotReady      = errors.New("processor: result not ready")
	ErrJobNotFound         = errors.New("processor: job not found")
	ErrRejected            = errors.New("processor: request rejected")
)

type Status struct {
	JobID    string
	Status   string
	Progress int
	Error    string
}

type Client struct {
	baseURL       string
	timeout       time.Duration
	uploadTimeout time.Duration
	http          *http.Client
}

func NewClient(baseURL string, timeout, uploadTimeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if uploadTimeout <= 0 {
		uploadTimeout = 5 * time.Minute
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		timeout:       timeout,
		uploadTimeout: uploadTimeout,
		http:          &http.Client{},
	}
}

// Submit streams the video as multipart field "video" and returns the
// processor's job id.
func (c *Client) Submit(ctx context.Context, filename string, video io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("video", filename)
		if err == nil {
			_, err = io.Copy(part, video)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		JobID    string `json:"job_id"`
		JobIDAlt string `json:"jobId"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		out.JobID = out.JobIDAlt
	}
	if out.JobID == "" {
		return "", fmt.Errorf("%w: no job id in response", ErrUpstreamUnavailable)
	}
	return out.JobID, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Status   string   `json:"status"`
		Progress *float64 `json:"progress"`
		Error    string   `json:"error"`
	}
	if err := c.do(req, &out); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	st := &Status{JobID: jobID, Error: out.Error}
	if out.Progress != nil {
		st.Progress = clampProgress(*out.Progress)
	} else if NormalizeStatus(out.Status, 100) == models.JobStatusCompleted {
		// No progress reported alongside a finished status.
		st.Progress = 100
	}
	st.Status = NormalizeStatus(out.Status, st.Progress)
	if st.Status == models.JobStatusCompleted {
		st.Progress = 100
	}
	return st, nil
}

// Result returns the narrative text of a finished job.
func (c *Client) Result(ctx context.Context, jobID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/result/"+url.PathEscape(jobID), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Narrative *string `json:"narrative"`
	}
	if err := c.do(req, &out); err != nil {
		if errors.Is(err, errNotFound) || errors.Is(err, ErrRejected) {
			return "", ErrResultNotReady
		}
		return "", err
	}
	if out.Narrative == nil {
		return "", ErrResultNotReady
	}
	return *out.Narrative, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

var errNotFound = errors.New("processor: 404")

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrUpstreamUnavailable, req.Method, req.URL.Path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrUpstreamUnavailable, req.URL.Path, err)
	}
	return nil
}

// NormalizeStatus maps the processor's vocabulary onto job statuses. A job
// only counts as completed once progress reaches 100.
func NormalizeStatus(raw string, progress int) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "complete", "completed", "done", "finished":
		if progress >= 100 {
			return models.JobStatusCompleted
		}
		return models.JobStatusProcessing
	case "failed", "error":
		return models.JobStatusError
	}
	return models.JobStatusProcessing
}

func clampProgress(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

package processor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_StreamsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/process", r.URL.Path)
		f, hdr, err := r.FormFile("video")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "clip.mp4", hdr.Filename)
		assert.Equal(t, "frames", string(b))
		_, _ = w.Write([]byte(`{"job_id":"job-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, time.Second)
	id, err := c.Submit(context.Background(), "clip.mp4", strings.NewReader("frames"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestSubmit_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, time.Second).Submit(context.Background(), "a.mp4", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Error(w, "unsupported format", http.StatusUnprocessableEntity)
	}))
	defer bad.Close()
	_, err = NewClient(bad.URL, time.Second, time.Second).Submit(context.Background(), "a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestStatus_TimeoutIsUpstreamUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, 50*time.Millisecond, time.Second)
	start := time.Now()
	_, err := c.Status(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStatus_Normalizes(t *testing.T) {
	cases := []struct {
		body         string
		wantStatus   string
		wantProgress int
	}{
		{`{"status":"processing","progress":42.5}`, "processing", 42},
		{`{"status":"done","progress":100}`, "completed", 100},
		{`{"status":"completed","progress":90}`, "processing", 90},
		{`{"status":"completed"}`, "completed", 100},
		{`{"status":"failed","error":"bad codec"}`, "error", 0},
		{`{"status":"queued"}`, "processing", 0},
	}
	for _, tc := range cases {
		t.Run(tc.body, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/status/job-1", r.URL.Path)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			st, err := NewClient(srv.URL, time.Second, time.Second).Status(context.Background(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, st.Status)
			assert.Equal(t, tc.wantProgress, st.Progress)
		})
	}
}

func TestResult(t *testing.T) {
	ready := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"narrative":"Once upon a time."}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second, time.Second)

	_, err := c.Result(context.Background(), "job-1")
	assert.ErrorIs(t, err, ErrResultNotReady)

	ready = true
	text, err := c.Result(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time.", text)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	c := NewClient(srv.URL, time.Second, time.Second)
	assert.NoError(t, c.Health(context.Background()))
	srv.Close()
	assert.ErrorIs(t, c.Health(context.Background()), ErrUpstreamUnavailable)
}

package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
)

// RoundTripHandler dispatches requests straight into an http.Handler, so API
// tests exercise the real handler stack without a listening socket.
type RoundTripHandler struct {
	Handler http.Handler
}

func (rt *RoundTripHandler) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// NewInProcessClient wraps handler in an http.Client usable anywhere a real
// client is expected.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &RoundTripHandler{Handler: handler}}
}

// StreamRecorder is a ResponseWriter whose body is a pipe, so a test can read
// SSE frames while the handler under test is still writing them.
// httptest.ResponseRecorder buffers the whole body, which never ends for a
// stream that closes only on a final frame.
type StreamRecorder struct {
	HeaderMap http.Header
	Code      int
	Body      io.ReadCloser
	writer    io.WriteCloser
}

func NewStreamRecorder() *StreamRecorder {
	r, w := io.Pipe()
	return &StreamRecorder{
		HeaderMap: make(http.Header),
		Code:      http.StatusOK,
		Body:      r,
		writer:    w,
	}
}

func (sr *StreamRecorder) Header() http.Header { return sr.HeaderMap }

func (sr *StreamRecorder) WriteHeader(statusCode int) { sr.Code = statusCode }

func (sr *StreamRecorder) Write(p []byte) (int, error) { return sr.writer.Write(p) }

// Flush satisfies http.Flusher; the pipe delivers writes immediately anyway.
func (sr *StreamRecorder) Flush() {}

// Close unblocks any reader still waiting on the body.
func (sr *StreamRecorder) Close() error { return sr.writer.Close() }

// ReadAll drains and closes a response body.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// NewRequest builds a request against the in-process host. A nil body is
// allowed for GETs.
func NewRequest(method, path string, body []byte) *http.Request {
	return httptest.NewRequest(method, "http://in-process"+path, bytes.NewReader(body))
}

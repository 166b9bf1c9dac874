package wiretap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

const (
	// maxCapturedRequest bounds how much of a request is held for
	// classification. The rest streams straight to the upstream.
	maxCapturedRequest = 64 << 10
	// maxCapturedResponse bounds how much of a response is kept for status
	// classification. The full body is always forwarded.
	maxCapturedResponse = 64 << 10
)

// requestBody replaces a request body so the reverse proxy forwards it
// unchanged while the relay keeps a bounded prefix and counts every byte
// read.
type requestBody struct {
	r      io.Reader
	closer io.Closer
	prefix []byte
	n      atomic.Int64
}

// peekRequestBody reads up to maxCapturedRequest bytes of the body and
// installs a requestBody that replays them ahead of the unread remainder.
// It returns nil for a request without a body.
func peekRequestBody(r *http.Request) (*requestBody, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	buf := make([]byte, maxCapturedRequest)
	n, err := io.ReadFull(r.Body, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	b := &requestBody{prefix: buf[:n], closer: r.Body}
	b.r = io.MultiReader(bytes.NewReader(b.prefix), r.Body)
	r.Body = b
	return b, nil
}

func (b *requestBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n.Add(int64(n))
	return n, err
}

func (b *requestBody) Close() error {
	return b.closer.Close()
}

// Prefix returns the retained head of the body.
func (b *requestBody) Prefix() []byte {
	if b == nil {
		return nil
	}
	return b.prefix
}

// Size is the larger of the declared length and the bytes actually read,
// so an upstream that fails early still reports the advertised size.
func (b *requestBody) Size(declared int64) int64 {
	if b == nil {
		return 0
	}
	n := b.n.Load()
	if int64(len(b.prefix)) > n {
		n = int64(len(b.prefix))
	}
	if declared > n {
		return declared
	}
	return n
}

// responseRecorder writes through to the client while counting bytes and
// keeping a bounded prefix of the body.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	written     int64
	prefix      bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	if room := maxCapturedResponse - r.prefix.Len(); room > 0 {
		if room > len(b) {
			room = len(b)
		}
		r.prefix.Write(b[:room])
	}
	n, err := r.ResponseWriter.Write(b)
	r.written += int64(n)
	return n, err
}

// Flush is required for streamed task updates to reach the caller promptly.
func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *responseRecorder) StatusCode() int {
	return r.statusCode
}

// Captured returns the retained prefix and whether it is the whole body.
func (r *responseRecorder) Captured() ([]byte, bool) {
	return r.prefix.Bytes(), int64(r.prefix.Len()) == r.written
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

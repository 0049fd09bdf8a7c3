package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// CallError is a provider call that returned a non-2xx status or failed in
// transport (HTTPStatus 0).
type CallError struct {
	HTTPStatus int
	Body       []byte
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider call failed (status %d): %v", e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("provider call failed (status %d)", e.HTTPStatus)
}

func (e *CallError) Unwrap() error { return e.Err }

// Do executes req once and returns the response body for 2xx answers.
func Do(ctx context.Context, hc *http.Client, req Request) (int, []byte, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return 0, nil, &CallError{Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return 0, nil, &CallError{Err: err}
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &CallError{HTTPStatus: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, b, &CallError{HTTPStatus: resp.StatusCode, Body: b}
	}
	return resp.StatusCode, b, nil
}

// DoIdempotent retries req on transient failures. Only use it for GETs.
func DoIdempotent(ctx context.Context, hc *http.Client, req Request, maxRetries int) (int, []byte, error) {
	var (
		status int
		body   []byte
		err    error
	)
	for attempt := 0; ; attempt++ {
		status, body, err = Do(ctx, hc, req)
		if err == nil || attempt >= maxRetries || !ShouldRetry(err, status) {
			return status, body, err
		}
		t := time.NewTimer(Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return status, body, err
		case <-t.C:
		}
	}
}

// ShouldRetry classifies transient errors.
func ShouldRetry(err error, httpStatus int) bool {
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	if err == nil || httpStatus != 0 {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms approx
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

package record

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Request is the durable form of an origin request, kept so a refresh can be
// replayed long after the original caller is gone.
type Request struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// Response is the durable form of the last good origin response.
type Response struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// SerializeRequest captures method, URL, headers and the full body. The body is
// consumed and replaced so the live request can still be sent.
func SerializeRequest(req *http.Request) (Request, error) {
	if req == nil || req.URL == nil {
		return Request{}, errors.New("record: request required")
	}
	body, err := drain(req.Body)
	if err != nil {
		return Request{}, fmt.Errorf("record: read request body: %w", err)
	}
	req.Body = replayable(body)
	req.GetBody = func() (io.ReadCloser, error) { return replayable(body), nil }
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Request{
		Method:  method,
		URL:     req.URL.String(),
		Headers: req.Header.Clone(),
		Body:    body,
	}, nil
}

// SerializeResponse captures status, headers and the full body. The original
// body is closed and swapped for an in-memory copy.
func SerializeResponse(resp *http.Response) (Response, error) {
	if resp == nil {
		return Response{}, errors.New("record: response required")
	}
	body, err := drain(resp.Body)
	if cerr := closeBody(resp.Body); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return Response{}, fmt.Errorf("record: read response body: %w", err)
	}
	resp.Body = replayable(body)
	return Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    resp.Header.Clone(),
		Body:       body,
	}, nil
}

// Build reconstructs a live request bound to ctx.
func (r Request) Build(ctx context.Context) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: request: %v", ErrMalformed, err)
	}
	if r.Headers != nil {
		req.Header = r.Headers.Clone()
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	return req, nil
}

// Build reconstructs a live response with a fresh body reader. Each call yields
// an independent response.
func (r Response) Build() *http.Response {
	headers := r.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	body := append([]byte(nil), r.Body...)
	status := strconv.Itoa(r.Status)
	if r.StatusText != "" {
		status += " " + r.StatusText
	}
	return &http.Response{
		Status:        status,
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          replayable(body),
		ContentLength: int64(len(body)),
	}
}

func drain(body io.ReadCloser) ([]byte, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func closeBody(body io.ReadCloser) error {
	if body == nil || body == http.NoBody {
		return nil
	}
	return body.Close()
}

func replayable(body []byte) io.ReadCloser {
	if len(body) == 0 {
		return http.NoBody
	}
	return io.NopCloser(bytes.NewReader(body))
}

// statusText keeps the reason phrase sent by the origin when present.
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

package record

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResponseRoundTripPreservesStatusHeadersAndBody(t *testing.T) {
	body := []byte{0x00, 0xff, 0x10, 'g', 'e', 'o', 0x00}
	resp := &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":  {"application/geo+json"},
			"Cache-Control": {"public, max-age=60"},
			"Set-Cookie":    {"a=1", "b=2"},
		},
		Body: io.NopCloser(bytes.NewReader(body)),
	}

	serialized, err := SerializeResponse(resp)
	require.NoError(t, err)

	rebuilt := serialized.Build()
	require.Equal(t, http.StatusOK, rebuilt.StatusCode)
	require.Equal(t, resp.Header, rebuilt.Header)
	got, err := io.ReadAll(rebuilt.Body)
	require.NoError(t, err)
	require.Equal(t, body, got)

	// The live response stays readable after serialization.
	again, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, body, again)
}

func TestResponseBuildReturnsIndependentBodies(t *testing.T) {
	serialized := Response{Status: http.StatusOK, Body: []byte("payload")}
	first := serialized.Build()
	second := serialized.Build()

	a, err := io.ReadAll(first.Body)
	require.NoError(t, err)
	b, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(a))
	require.Equal(t, "payload", string(b))
}

func TestSerializeResponseKeepsReasonPhrase(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusTeapot)
	resp := rec.Result()
	resp.Status = "418 Short And Stout"

	serialized, err := SerializeResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "Short And Stout", serialized.StatusText)
	require.Equal(t, "418 Short And Stout", serialized.Build().Status)
}

func TestRequestRoundTripPreservesReplayFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://api.weather.gov/points/39.7,-104.9?b=2&a=1", strings.NewReader("body-bytes"))
	req.Header.Set("User-Agent", "proxystore-test")
	req.Header.Add("Accept", "application/geo+json")
	req.Header.Add("Accept", "application/json")

	serialized, err := SerializeRequest(req)
	require.NoError(t, err)

	live, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Equal(t, "body-bytes", string(live), "live request body must survive serialization")

	rebuilt, err := serialized.Build(context.Background())
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, rebuilt.Method)
	require.Equal(t, req.URL.String(), rebuilt.URL.String())
	require.Equal(t, []string{"application/geo+json", "application/json"}, rebuilt.Header.Values("Accept"))
	require.Equal(t, "proxystore-test", rebuilt.Header.Get("User-Agent"))
	replayed, err := io.ReadAll(rebuilt.Body)
	require.NoError(t, err)
	require.Equal(t, "body-bytes", string(replayed))
}

func TestEncodeDecodeRecord(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	in := Record{
		Request:        Request{Method: http.MethodGet, URL: "https://api.weather.gov/alerts/active"},
		Response:       Response{Status: 200, StatusText: "OK", Headers: http.Header{"X-Test": {"1"}}, Body: []byte{0x01, 0x02}},
		LastRefresh:    now,
		RefreshSeconds: 600,
	}
	payload, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, in.Request.URL, out.Request.URL)
	require.Equal(t, in.Response.Body, out.Response.Body)
	require.Equal(t, in.Response.Headers, out.Response.Headers)
	require.True(t, in.LastRefresh.Equal(out.LastRefresh))
	require.Equal(t, 600, out.RefreshSeconds)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := map[string][]byte{
		"empty":          nil,
		"not json":       []byte("{nope"),
		"missing url":    []byte(`{"response":{"status":200},"lastRefresh":"2025-01-01T00:00:00Z"}`),
		"bad status":     []byte(`{"request":{"url":"https://x"},"response":{"status":0},"lastRefresh":"2025-01-01T00:00:00Z"}`),
		"missing create": []byte(`{"request":{"url":"https://x"},"response":{"status":200}}`),
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(payload)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformed), "expected ErrMalformed, got %v", err)
		})
	}
}

func TestRecordState(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := Record{LastRefresh: base, RefreshSeconds: 3600}
	lateness := 60 * time.Second

	cases := []struct {
		name  string
		after time.Duration
		want  State
	}{
		{name: "just fetched", after: 0, want: StateFresh},
		{name: "inside window", after: 30 * time.Second, want: StateFresh},
		{name: "window boundary", after: time.Hour, want: StateStale},
		{name: "inside lateness", after: time.Hour + 59*time.Second, want: StateStale},
		{name: "lateness boundary", after: time.Hour + 60*time.Second, want: StateStale},
		{name: "past lateness", after: 3700 * time.Second, want: StateExpired},
		{name: "clock skew", after: -time.Minute, want: StateFresh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, rec.State(base.Add(tc.after), lateness))
		})
	}
	require.Equal(t, time.Duration(0), rec.Age(base.Add(-time.Second)))
}

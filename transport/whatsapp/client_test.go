package whatsapp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftreplies/wabroker/core/config"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func newTestClient(rt roundTripperFunc) *Client {
	cfg := config.TransportConfig{
		BaseURL:       "https://bsp.example.com",
		APIKey:        "global-key",
		MaxRetries:    2,
		MaxImageBytes: 5 * 1024 * 1024,
		MaxMediaBytes: 16 * 1024 * 1024,
	}
	binding := tenants.SenderBinding{SenderMSISDN: "96179374241", TenantID: 1}
	return NewClient(cfg, binding).WithHTTPClient(&http.Client{Transport: rt})
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestSendTextBuildsInfobipBody(t *testing.T) {
	var captured map[string]any
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/whatsapp/1/message/text", r.URL.Path)
		assert.Equal(t, "App global-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		return jsonResponse(200, `{"messages":[{"messageId":"wamid-1"}]}`), nil
	})

	res, err := client.SendText(context.Background(), "9613451652", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", res.ProviderMessageID)
	assert.Equal(t, "96179374241", captured["from"])
	assert.Equal(t, "9613451652", captured["to"])
	assert.Equal(t, "hello", captured["content"].(map[string]any)["text"])
}

func TestSendTextRejectsOversize(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	_, err := client.SendText(context.Background(), "9613451652", strings.Repeat("x", maxTextLen+1))
	assert.Error(t, err)
}

func TestSendRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return jsonResponse(503, `{"error":"unavailable"}`), nil
		}
		return jsonResponse(200, `{"messages":[{"messageId":"wamid-2"}]}`), nil
	})

	res, err := client.SendText(context.Background(), "9613451652", "retry me")
	require.NoError(t, err)
	assert.Equal(t, "wamid-2", res.ProviderMessageID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendDoesNotRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(400, `{"error":"bad to"}`), nil
	})

	_, err := client.SendText(context.Background(), "bogus", "x")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(502, `{}`), nil
	})

	_, err := client.SendText(context.Background(), "9613451652", "x")
	assert.Error(t, err)
	// initial attempt + MaxRetries
	assert.Equal(t, int32(3), calls.Load())
}

func TestRateLimitDoesNotBurnRetryBudgetAtFirst(t *testing.T) {
	cfg := config.TransportConfig{BaseURL: "https://bsp.example.com", APIKey: "k", MaxRetries: 0}
	var calls atomic.Int32
	client := NewClient(cfg, tenants.SenderBinding{SenderMSISDN: "96179374241"}).
		WithHTTPClient(&http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if calls.Add(1) <= 2 {
				resp := jsonResponse(429, `{}`)
				resp.Header.Set("Retry-After", "0")
				return resp, nil
			}
			return jsonResponse(200, `{"messages":[{"messageId":"wamid-3"}]}`), nil
		})})

	// Two 429s survive even a zero retry budget.
	res, err := client.SendText(context.Background(), "9613451652", "x")
	require.NoError(t, err)
	assert.Equal(t, "wamid-3", res.ProviderMessageID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendImageRequiresHTTPS(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	_, err := client.SendImage(context.Background(), "9613451652", "http://insecure/img.png", "")
	assert.Error(t, err)
}

func TestDownloadMediaHeadRejectsOversize(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		require.Equal(t, http.MethodHead, r.Method)
		resp := jsonResponse(200, "")
		resp.ContentLength = 32 * 1024 * 1024
		return resp, nil
	})
	_, err := client.DownloadMedia(context.Background(), "https://media.example.com/a.ogg")
	assert.Error(t, err)
}

func TestDownloadMedia(t *testing.T) {
	payload := strings.Repeat("a", 128)
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		resp := &http.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": []string{"audio/ogg"}},
			Body:       io.NopCloser(strings.NewReader(payload)),
		}
		if r.Method == http.MethodHead {
			resp.ContentLength = int64(len(payload))
			resp.Body = io.NopCloser(strings.NewReader(""))
		}
		return resp, nil
	})

	media, err := client.DownloadMedia(context.Background(), "https://media.example.com/a.ogg")
	require.NoError(t, err)
	assert.Equal(t, int64(128), media.Size)
	assert.Equal(t, "audio/ogg", media.ContentType)
}

func TestBindingCredentialsOverrideDefaults(t *testing.T) {
	cfg := config.TransportConfig{BaseURL: "https://global.example.com", APIKey: "global-key", MaxRetries: 0}
	binding := tenants.SenderBinding{
		SenderMSISDN: "9613451652",
		BSPBaseURL:   "https://tenant.example.com",
		BSPAPIKey:    "tenant-key",
	}
	client := NewClient(cfg, binding).WithHTTPClient(&http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			assert.Equal(t, "tenant.example.com", r.URL.Host)
			assert.Equal(t, "App tenant-key", r.Header.Get("Authorization"))
			return jsonResponse(200, `{"messages":[]}`), nil
		}),
	})

	_, err := client.SendText(context.Background(), "96179374241", "hi")
	require.NoError(t, err)
}

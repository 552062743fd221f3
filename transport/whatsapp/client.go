// Package whatsapp implements the per-tenant BSP HTTP client: outbound
// text/image/location/template sends and inbound media download.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/core/config"
	tenants "github.com/swiftreplies/wabroker/tenants/domain"
)

const (
	pathText     = "/whatsapp/1/message/text"
	pathImage    = "/whatsapp/1/message/image"
	pathLocation = "/whatsapp/1/message/location"
	pathTemplate = "/whatsapp/1/message/template"

	maxTextLen    = 4096
	maxCaptionLen = 1024

	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
	// The first N rate-limit responses do not consume the retry budget.
	freeRateLimitHits = 2
)

// Client is one tenant's connection to the BSP. Credentials differ per
// tenant, so every tenant gets its own instance with a bounded connection
// pool.
type Client struct {
	baseURL    string
	apiKey     string
	from       string
	maxRetries int
	maxImage   int64
	maxMedia   int64
	httpClient *http.Client
}

// SendResult carries the provider's message id for the transcript row.
type SendResult struct {
	ProviderMessageID string
}

// Media is a downloaded inbound attachment.
type Media struct {
	Data        []byte
	ContentType string
	Size        int64
}

// NewClient builds a tenant client. Empty binding credentials fall back to
// the global transport defaults.
func NewClient(cfg config.TransportConfig, binding tenants.SenderBinding) *Client {
	baseURL := binding.BSPBaseURL
	if baseURL == "" {
		baseURL = cfg.BaseURL
	}
	apiKey := binding.BSPAPIKey
	if apiKey == "" {
		apiKey = cfg.APIKey
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		from:       binding.SenderMSISDN,
		maxRetries: cfg.MaxRetries,
		maxImage:   cfg.MaxImageBytes,
		maxMedia:   cfg.MaxMediaBytes,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// WithHTTPClient swaps the underlying HTTP client (tests).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// From returns the sender MSISDN this client transmits as.
func (c *Client) From() string {
	return c.from
}

func (c *Client) SendText(ctx context.Context, to, text string) (*SendResult, error) {
	if text == "" {
		return nil, fmt.Errorf("text must not be empty")
	}
	if len(text) > maxTextLen {
		return nil, fmt.Errorf("text exceeds %d characters (%d)", maxTextLen, len(text))
	}
	return c.post(ctx, pathText, map[string]any{
		"from":    c.from,
		"to":      to,
		"content": map[string]any{"text": text},
	})
}

func (c *Client) SendImage(ctx context.Context, to, mediaURL, caption string) (*SendResult, error) {
	if !strings.HasPrefix(mediaURL, "https://") {
		return nil, fmt.Errorf("image url must be https")
	}
	if len(caption) > maxCaptionLen {
		return nil, fmt.Errorf("caption exceeds %d characters (%d)", maxCaptionLen, len(caption))
	}
	content := map[string]any{"mediaUrl": mediaURL}
	if caption != "" {
		content["caption"] = caption
	}
	return c.post(ctx, pathImage, map[string]any{
		"from":    c.from,
		"to":      to,
		"content": content,
	})
}

func (c *Client) SendLocation(ctx context.Context, to string, lat, lon float64, name, address string) (*SendResult, error) {
	content := map[string]any{
		"latitude":  lat,
		"longitude": lon,
	}
	if name != "" {
		content["name"] = name
	}
	if address != "" {
		content["address"] = address
	}
	return c.post(ctx, pathLocation, map[string]any{
		"from":    c.from,
		"to":      to,
		"content": content,
	})
}

func (c *Client) SendTemplate(ctx context.Context, to, templateName string, variables []string, language string) (*SendResult, error) {
	if language == "" {
		language = "en"
	}
	return c.post(ctx, pathTemplate, map[string]any{
		"from": c.from,
		"to":   to,
		"content": map[string]any{
			"templateName": templateName,
			"templateData": map[string]any{
				"body": map[string]any{"placeholders": variables},
			},
			"language": language,
		},
	})
}

// DownloadMedia fetches an inbound attachment: HEAD first to reject oversize
// payloads before pulling bytes, then GET with a hard read limit.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) (*Media, error) {
	head, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	head.Header.Set("Authorization", "App "+c.apiKey)
	resp, err := c.httpClient.Do(head)
	if err != nil {
		return nil, fmt.Errorf("media head request: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("media head request: status %d", resp.StatusCode)
	}
	if resp.ContentLength > c.maxMedia {
		return nil, fmt.Errorf("media is %s, cap is %s",
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(c.maxMedia)))
	}

	get, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	get.Header.Set("Authorization", "App "+c.apiKey)
	resp, err = c.httpClient.Do(get)
	if err != nil {
		return nil, fmt.Errorf("media get request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("media get request: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxMedia+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxMedia {
		return nil, fmt.Errorf("media exceeds cap of %s", humanize.IBytes(uint64(c.maxMedia)))
	}
	return &Media{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        int64(len(data)),
	}, nil
}

// Ping verifies the BSP endpoint answers at startup.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+pathText, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "App "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("bsp unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// --- Wire plumbing ---

type sendResponse struct {
	Messages []struct {
		MessageID string `json:"messageId"`
		Status    struct {
			GroupName   string `json:"groupName"`
			Description string `json:"description"`
		} `json:"status"`
	} `json:"messages"`
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) (*SendResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	rateLimitHits := 0
	for attempt := 0; attempt <= c.maxRetries; {
		resp, err := c.doPost(ctx, path, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		re, retryable := err.(*retryableError)
		if !retryable {
			return nil, err
		}

		wait := backoffDelay(attempt)
		if re.retryAfter > 0 {
			wait = re.retryAfter
		}
		if re.rateLimited && rateLimitHits < freeRateLimitHits {
			// Early 429s wait but keep the retry budget intact.
			rateLimitHits++
		} else {
			attempt++
			if attempt > c.maxRetries {
				break
			}
		}
		logrus.Warnf("[TRANSPORT] %s failed (%v), retrying in %s", path, err, wait)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("send failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) doPost(ctx context.Context, path string, payload []byte) (*SendResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "App "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &retryableError{err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryableError{
			err:         fmt.Errorf("bsp rate limited (429)"),
			rateLimited: true,
			retryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == 500 || resp.StatusCode == 502 || resp.StatusCode == 503 || resp.StatusCode == 504:
		return nil, &retryableError{err: fmt.Errorf("bsp status %d: %s", resp.StatusCode, truncate(raw, 200))}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("bsp status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unparseable bsp response: %w", err)
	}
	result := &SendResult{}
	if len(parsed.Messages) > 0 {
		result.ProviderMessageID = parsed.Messages[0].MessageID
	}
	return result, nil
}

type retryableError struct {
	err         error
	rateLimited bool
	retryAfter  time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap {
		d = backoffCap
	}
	// Full jitter keeps concurrent retries from aligning.
	return time.Duration(rand.Int63n(int64(d)/2) + int64(d)/2)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		if d > backoffCap {
			d = backoffCap
		}
		return d
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

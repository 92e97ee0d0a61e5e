package chatlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/factorio-deck/factorio-deck/internal/debounce"
)

// ChannelAPI is the chat service a link writes to.
type ChannelAPI interface {
	SetTopic(ctx context.Context, channelID, topic string) error
	SendMessage(ctx context.Context, channelID, text string) error
}

// HTTPChannelAPI talks to a chat bridge over JSON/HTTP:
//
//	PUT  {endpoint}/channels/{id}/topic     {"topic": "..."}
//	POST {endpoint}/channels/{id}/messages  {"content": "..."}
//
// A 429 response is reported as debounce.ErrRetry.
type HTTPChannelAPI struct {
	endpoint string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPChannelAPI creates a client allowing requestsPerSecond requests with
// a small burst.
func NewHTTPChannelAPI(endpoint, token string, requestsPerSecond float64) *HTTPChannelAPI {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &HTTPChannelAPI{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), 3),
	}
}

func (a *HTTPChannelAPI) SetTopic(ctx context.Context, channelID, topic string) error {
	return a.do(ctx, http.MethodPut, channelID, "topic", map[string]string{"topic": topic})
}

func (a *HTTPChannelAPI) SendMessage(ctx context.Context, channelID, text string) error {
	return a.do(ctx, http.MethodPost, channelID, "messages", map[string]string{"content": text})
}

func (a *HTTPChannelAPI) do(ctx context.Context, method, channelID, resource string, body any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/channels/%s/%s", a.endpoint, url.PathEscape(channelID), resource)
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: rate limited: %w", method, resource, debounce.ErrRetry)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: unexpected status %d", method, resource, resp.StatusCode)
	}
	return nil
}

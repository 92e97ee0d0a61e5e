package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/factorio-deck/factorio-deck/internal/config"
	"github.com/factorio-deck/factorio-deck/internal/manager"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

// apiClient talks to a running controller over its HTTP API.
type apiClient struct {
	baseURL string
	token   string
	actor   string
	http    *http.Client
}

// apiError is an error response of the controller.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return e.Message
}

func newAPIClient(baseURL, token, actor string) *apiClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		actor:   actor,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// clientFromConfig builds a client for the controller described by the
// local config.toml. FACTORIO_DECK_URL and FACTORIO_DECK_TOKEN override it.
func clientFromConfig() (*apiClient, error) {
	path, err := config.Path()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	addr := firstNonEmpty(os.Getenv("FACTORIO_DECK_URL"), cfg.Controller.Listen)
	token := firstNonEmpty(os.Getenv("FACTORIO_DECK_TOKEN"), cfg.Controller.Token)
	actor := firstNonEmpty(os.Getenv("FACTORIO_DECK_ACTOR"), os.Getenv("USER"))
	return newAPIClient(addr, token, actor), nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set("X-Factorio-Deck-Actor", c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controller unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Code != "" {
			return &apiError{Status: resp.StatusCode, Code: errResp.Error.Code, Message: errResp.Error.Message}
		}
		return &apiError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *apiClient) List(ctx context.Context) ([]manager.Info, error) {
	var resp struct {
		Servers []manager.Info `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

func (c *apiClient) Get(ctx context.Context, id string) (manager.Info, error) {
	var info manager.Info
	err := c.do(ctx, http.MethodGet, "/api/servers/"+url.PathEscape(id), nil, &info)
	return info, err
}

func (c *apiClient) Action(ctx context.Context, id, action string) (manager.Info, error) {
	var resp struct {
		Server manager.Info `json:"server"`
	}
	err := c.do(ctx, http.MethodPost, "/api/servers/"+url.PathEscape(id)+"/"+action, nil, &resp)
	return resp.Server, err
}

func (c *apiClient) Command(ctx context.Context, id, command string) error {
	body := map[string]string{"command": command}
	return c.do(ctx, http.MethodPost, "/api/servers/"+url.PathEscape(id)+"/command", body, nil)
}

func (c *apiClient) History(ctx context.Context, id string) ([]server.ControlMessage, error) {
	var resp struct {
		Messages []server.ControlMessage `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/api/servers/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp.Messages, err
}

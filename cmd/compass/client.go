package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/compass/internal/assignment"
	"github.com/kalambet/compass/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return nil, fmt.Errorf("getting API token: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      token,
		userID:     cfg.User.ID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// deckView mirrors GET /deck.
type deckView struct {
	Cursor    int                `json:"cursor"`
	Length    int                `json:"length"`
	Exhausted bool               `json:"exhausted"`
	Error     string             `json:"error"`
	Mode      string             `json:"mode"`
	Current   *assignment.Billet `json:"current"`
}

// decideView mirrors POST /decisions.
type decideView struct {
	Outcome     string                  `json:"outcome"`
	Application *assignment.Application `json:"application"`
	Cursor      int                     `json:"cursor"`
}

// undoView mirrors POST /decisions/undo.
type undoView struct {
	BilletID      string `json:"billet_id"`
	Cursor        int    `json:"cursor"`
	ApplicationID string `json:"removed_application"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.userID != "" {
		req.Header.Set("X-Compass-User", c.userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is compass running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) put(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, v any) error {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}

// apiErrorBody is the error envelope written by the server.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		var e apiErrorBody
		if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

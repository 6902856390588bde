package binlock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// lockRequest is the body of POST /locks.
type lockRequest struct {
	BilletID string `json:"billet_id"`
	UserID   string `json:"user_id"`
}

// lockResponse is the envelope returned by the lock service.
type lockResponse struct {
	Success bool       `json:"success"`
	Data    *Grant     `json:"data,omitempty"`
	Error   *lockError `json:"error,omitempty"`
}

type lockError struct {
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Details   *lockDetails `json:"details,omitempty"`
	Retryable bool         `json:"retryable"`
}

type lockDetails struct {
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client is an HTTP LockClient.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a lock client for the service at baseURL. token is sent
// as a bearer token when non-empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// AttemptLock posts a lock request. A 409 becomes a *RaceError; every other
// failure is a *TransientError.
func (c *Client) AttemptLock(ctx context.Context, billetID, userID string) (Grant, error) {
	body, err := json.Marshal(lockRequest{BilletID: billetID, UserID: userID})
	if err != nil {
		return Grant{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/locks", bytes.NewReader(body))
	if err != nil {
		return Grant{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Grant{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Grant{}, &TransientError{Status: resp.StatusCode, Err: err}
	}

	var lr lockResponse
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.Unmarshal(raw, &lr); err != nil {
			return Grant{}, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("decoding grant: %w", err)}
		}
		if !lr.Success || lr.Data == nil || lr.Data.LockToken == "" {
			return Grant{}, &TransientError{Status: resp.StatusCode, Err: errors.New("malformed grant")}
		}
		g := *lr.Data
		switch g.BilletID {
		case "":
			g.BilletID = billetID
		case billetID:
		default:
			return Grant{}, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("grant for billet %s, requested %s", g.BilletID, billetID)}
		}
		return g, nil

	case http.StatusConflict:
		race := &RaceError{}
		if json.Unmarshal(raw, &lr) == nil && lr.Error != nil {
			race.Message = lr.Error.Message
			if lr.Error.Details != nil {
				race.LockedAt = lr.Error.Details.LockedAt
				race.ExpiresAt = lr.Error.Details.ExpiresAt
			}
		}
		return Grant{}, race

	default:
		return Grant{}, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(raw)))}
	}
}

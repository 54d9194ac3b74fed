/*
Copyright 2025 Dan Manners.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package semaphore is a client for the Semaphore server's runner API. It
// splits registration and record patching into two call paths because the
// registration endpoint cannot set the active flag or the hostname.
package semaphore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goodmannershosting/semaphore-runner-coordinator/internal/tokenstore"
)

// RunnerStatus is the server-side lifecycle status of a runner record.
type RunnerStatus string

const (
	StatusPending  RunnerStatus = "pending"
	StatusActive   RunnerStatus = "active"
	StatusStale    RunnerStatus = "stale"
	StatusDisabled RunnerStatus = "disabled"
)

// RunnerRecord is the server-side record for a registered runner.
type RunnerRecord struct {
	StableID string       `json:"stable_id"`
	Name     string       `json:"name"`
	Active   bool         `json:"active"`
	LastSeen *time.Time   `json:"last_seen,omitempty"`
	Status   RunnerStatus `json:"status"`
}

// RunnerRegistration is the payload for the registration endpoint. The
// registration token is filled in by the client from its token store.
type RunnerRegistration struct {
	StableID          string `json:"stable_id"`
	Name              string `json:"name"`
	RegistrationToken string `json:"registration_token,omitempty"`
}

// RunnerPatch is a partial update of a runner record. Nil fields are left
// untouched by the server.
type RunnerPatch struct {
	Active *bool   `json:"active,omitempty"`
	Name   *string `json:"name,omitempty"`
}

// Client is a client for interacting with the Semaphore runner API
type Client struct {
	serverURL  string
	tokens     tokenstore.Store
	httpClient *http.Client
}

// NewClient creates a new Semaphore runner API client
func NewClient(serverURL string, tokens tokenstore.Store) *Client {
	return NewClientWithTLS(serverURL, tokens, false)
}

// NewClientWithTLS creates a new Semaphore runner API client with TLS configuration
func NewClientWithTLS(serverURL string, tokens tokenstore.Store, skipTLSVerify bool) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: skipTLSVerify,
		},
	}

	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		tokens:    tokens,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// Register announces the runner to the server. A conflict response means a
// record for this stable ID already exists and is treated as success, so the
// call is idempotent from the caller's perspective. 401/403 yields AuthError.
func (c *Client) Register(ctx context.Context, reg RunnerRegistration) (*RunnerRecord, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	reg.RegistrationToken = token.Value

	url := fmt.Sprintf("%s/api/internal/runners", c.serverURL)
	status, body, err := c.do(ctx, http.MethodPost, url, reg, token.Value)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		var record RunnerRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return &record, nil

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &AuthError{StatusCode: status, Body: string(body)}

	case status == http.StatusConflict ||
		(status == http.StatusBadRequest && strings.Contains(string(body), "already registered")):
		// The record exists from a previous registration. Fetch it so the
		// caller sees the same shape as a fresh registration.
		record, err := c.GetRunner(ctx, reg.StableID)
		if err != nil {
			return nil, &RetryableError{Op: "failed to confirm existing registration", Err: err}
		}
		return record, nil

	case status >= http.StatusInternalServerError:
		return nil, &RetryableError{
			Op:  "registration failed",
			Err: fmt.Errorf("unexpected status code %d: %s", status, string(body)),
		}

	default:
		return nil, fmt.Errorf("unexpected status code %d: %s", status, string(body))
	}
}

// GetRunner fetches the runner record for the stable ID.
func (c *Client) GetRunner(ctx context.Context, stableID string) (*RunnerRecord, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/internal/runners/%s", c.serverURL, stableID)
	status, body, err := c.do(ctx, http.MethodGet, url, nil, token.Value)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		var record RunnerRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return &record, nil

	case status == http.StatusNotFound:
		return nil, fmt.Errorf("runner %s: %w", stableID, ErrRunnerNotFound)

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &AuthError{StatusCode: status, Body: string(body)}

	case status >= http.StatusInternalServerError:
		return nil, &RetryableError{
			Op:  "failed to fetch runner record",
			Err: fmt.Errorf("unexpected status code %d: %s", status, string(body)),
		}

	default:
		return nil, fmt.Errorf("unexpected status code %d: %s", status, string(body))
	}
}

// PatchRunner partially updates the runner record for the stable ID and
// returns the updated record.
func (c *Client) PatchRunner(ctx context.Context, stableID string, patch RunnerPatch) (*RunnerRecord, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/internal/runners/%s", c.serverURL, stableID)
	status, body, err := c.do(ctx, http.MethodPut, url, patch, token.Value)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		var record RunnerRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return &record, nil

	case status == http.StatusNotFound:
		return nil, fmt.Errorf("runner %s: %w", stableID, ErrRunnerNotFound)

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &AuthError{StatusCode: status, Body: string(body)}

	case status >= http.StatusInternalServerError:
		return nil, &RetryableError{
			Op:  "failed to patch runner record",
			Err: fmt.Errorf("unexpected status code %d: %s", status, string(body)),
		}

	default:
		return nil, fmt.Errorf("unexpected status code %d: %s", status, string(body))
	}
}

func (c *Client) currentToken(ctx context.Context) (tokenstore.Token, error) {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		var unavailable *tokenstore.UnavailableError
		if errors.As(err, &unavailable) {
			return tokenstore.Token{}, &RetryableError{Op: "failed to load registration token", Err: err}
		}
		return tokenstore.Token{}, fmt.Errorf("failed to load registration token: %w", err)
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload any, token string) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("token %s", token))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &RetryableError{Op: "failed to execute request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &RetryableError{Op: "failed to read response body", Err: err}
	}

	return resp.StatusCode, body, nil
}

// Package authenticator is the HTTP client for the external device
// authenticator service that validates credential proofs. With Skip set
// every non-empty proof is accepted, for local development without the
// service.
package authenticator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the authenticator microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with a short timeout; proof verification is a
// single signature check on the remote side.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// VerifyAndBind submits the student's credential proof and asks the
// authenticator to bind it. The proof is opaque to this service.
func (c *Client) VerifyAndBind(ctx context.Context, studentID, proof string) error {
	if proof == "" {
		return fmt.Errorf("credential proof required")
	}
	if c.Skip {
		return nil
	}

	body, _ := json.Marshal(map[string]string{
		"student_id": studentID,
		"proof":      proof,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/bind", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("authenticator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("authenticator error %s: %s", resp.Status, string(respBody))
	}

	var out struct {
		Bound bool `json:"bound"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !out.Bound {
		return fmt.Errorf("authenticator rejected proof")
	}
	return nil
}

// Health checks whether the authenticator service is reachable.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("authenticator unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("authenticator unhealthy: %s", resp.Status)
	}
	return nil
}

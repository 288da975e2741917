// Package remote mirrors the settlement aggregate to the shared sync
// server over its opaque-blob HTTP API, enabling the multi-device demo.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context"

	"github.com/micromarkets/engine/internal/domain"
)

// Store implements domain.StateStore against GET/PUT /api/state.
type Store struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a remote Store for the sync server at baseURL. The apiKey is
// optional; when set it is sent as a bearer token.
func New(baseURL, apiKey string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Load fetches the shared aggregate. A 404 means no blob has been
// published yet.
func (s *Store) Load(ctx context.Context) (domain.State, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/state", nil)
	if err != nil {
		return domain.State{}, false, fmt.Errorf("remote: create request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.State{}, false, fmt.Errorf("remote: get state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.State{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.State{}, false, fmt.Errorf("remote: get state: status %d: %s", resp.StatusCode, body)
	}

	var state domain.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return domain.State{}, false, fmt.Errorf("remote: decode state: %w", err)
	}
	state.Normalize()
	return state, true, nil
}

// Save publishes the aggregate to the sync server.
func (s *Store) Save(ctx context.Context, state domain.State) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("remote: encode state: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/api/state", bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("remote: put state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("remote: put state: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Close is a no-op; the store holds no long-lived resources.
func (s *Store) Close() error { return nil }

func (s *Store) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}

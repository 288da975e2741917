// Package audit delivers best-effort trade notifications to the ledger
// server for transparency logging. Delivery failures never affect
// settlement; callers log and move on.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/domain"
)

// HTTPSink posts committed trades to the ledger server's /record-trade
// endpoint.
type HTTPSink struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSink creates an HTTPSink for the ledger server at baseURL.
func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// RecordTrade submits one trade. The wire format matches the ledger
// server: side is a boolean where true means YES.
func (s *HTTPSink) RecordTrade(ctx context.Context, marketID int64, side domain.Side, amount decimal.Decimal) error {
	payload, err := json.Marshal(map[string]any{
		"marketId": marketID,
		"side":     side == domain.SideYes,
		"amount":   amount,
	})
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/record-trade", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("audit: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit: record trade: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("audit: record trade: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// NopSink discards all trade notifications. Used when no ledger server is
// configured.
type NopSink struct{}

func (NopSink) RecordTrade(context.Context, int64, domain.Side, decimal.Decimal) error {
	return nil
}

var (
	_ domain.AuditSink = (*HTTPSink)(nil)
	_ domain.AuditSink = NopSink{}
)

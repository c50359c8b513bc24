package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier POSTs the alert event as JSON to a configured endpoint.
// Backs the push channel; the receiving side owns device fan-out.
type WebhookNotifier struct {
	url     string
	authHdr string
	client  *http.Client
	logger  zerolog.Logger
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url, bearerToken string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	authHdr := ""
	if bearerToken != "" {
		authHdr = "Bearer " + bearerToken
	}

	return &WebhookNotifier{
		url:     url,
		authHdr: authHdr,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_webhook").Logger(),
	}
}

type webhookPayload struct {
	RuleID    string  `json:"ruleId"`
	Symbol    string  `json:"symbol"`
	Condition string  `json:"conditionType"`
	Threshold float64 `json:"threshold"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Reference float64 `json:"reference,omitempty"`
	ChangePct float64 `json:"changePct,omitempty"`
	Notional  float64 `json:"notional,omitempty"`
	At        int64   `json:"triggeredAt"`
}

// Send delivers the event payload.
func (n *WebhookNotifier) Send(ctx context.Context, event Event) error {
	if n.url == "" {
		return fmt.Errorf("webhook url not configured")
	}

	body, err := json.Marshal(webhookPayload{
		RuleID:    event.RuleID,
		Symbol:    event.Symbol,
		Condition: string(event.Condition),
		Threshold: event.Threshold,
		Price:     event.Price,
		Volume:    event.Volume,
		Reference: event.Reference,
		ChangePct: event.ChangePct,
		Notional:  event.Notional,
		At:        event.At.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authHdr != "" {
		req.Header.Set("Authorization", n.authHdr)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Info().Str("rule_id", event.RuleID).Str("symbol", event.Symbol).Msg("alert delivered (webhook)")
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)

package notifications

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// SignatureHeader contiene la firma HMAC-SHA256 del corpo
const SignatureHeader = "X-HACP-Signature"

// WebhookConfig configurazione per il canale webhook
type WebhookConfig struct {
	Name       string
	URL        string
	Secret     string // per la firma HMAC
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
	RetryWait  time.Duration
}

// WebhookPayload è il corpo JSON inviato al webhook
type WebhookPayload struct {
	Rule      string            `json:"rule"`
	EventType string            `json:"event_type"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	SubjectID string            `json:"subject_id"`
	AgentID   string            `json:"agent_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// WebhookChannel invia le notifiche via HTTP POST
type WebhookChannel struct {
	config WebhookConfig
	client *resty.Client
}

// NewWebhookChannel crea un nuovo canale webhook
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	if config.Name == "" {
		config.Name = "webhook"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryWait <= 0 {
		config.RetryWait = time.Second
	}

	client := resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(config.MaxRetries).
		SetRetryWaitTime(config.RetryWait).
		SetRetryMaxWaitTime(4*config.RetryWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "HACP-Notifier/1.0").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() == 429 || resp.StatusCode() >= 500
		})
	client.SetHeaders(config.Headers)

	return &WebhookChannel{config: config, client: client}
}

// Name implementa Channel
func (wc *WebhookChannel) Name() string {
	return wc.config.Name
}

// Notify implementa Channel
func (wc *WebhookChannel) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(newWebhookPayload(n))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req := wc.client.R().SetContext(ctx).SetBody(body)
	if wc.config.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(wc.config.Secret, body))
	}

	resp, err := req.Post(wc.config.URL)
	if err != nil {
		return fmt.Errorf("webhook %s: request failed: %w", wc.config.Name, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook %s returned status %d", wc.config.Name, resp.StatusCode())
	}

	log.Debug().
		Str("channel", wc.config.Name).
		Int("status", resp.StatusCode()).
		Str("subject_id", n.Event.SubjectID).
		Msg("Webhook delivered")
	return nil
}

func newWebhookPayload(n Notification) WebhookPayload {
	return WebhookPayload{
		Rule:      n.Rule,
		EventType: string(n.Event.Type),
		Severity:  n.Severity,
		Message:   n.Message,
		SubjectID: n.Event.SubjectID,
		AgentID:   n.Event.AgentID,
		SessionID: n.Event.SessionID,
		From:      n.Event.From,
		To:        n.Event.To,
		Metadata:  n.Event.Metadata,
		Timestamp: n.Event.Timestamp.Format(time.RFC3339),
	}
}

// Sign calcola la firma HMAC-SHA256 esadecimale del corpo
func Sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifica la firma di un webhook ricevuto
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

package worker

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

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/queue"
)

// WhatsAppSender sends messages through a WhatsApp HTTP API gateway
// (one named instance per connected number).
type WhatsAppSender struct {
	client  *http.Client
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

type WhatsAppConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

// NewWhatsAppSender creates a new WhatsApp sender
func NewWhatsAppSender(logger *zap.Logger, cfg WhatsAppConfig) *WhatsAppSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WhatsAppSender{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// Send posts the job to sendText or sendMedia on the job's instance.
func (s *WhatsAppSender) Send(ctx context.Context, job *queue.Job) error {
	if job.InstanceName == "" {
		return fmt.Errorf("job %s missing instance", job.MessageID)
	}

	var (
		endpoint string
		payload  any
	)
	if t := MessageType(job); t == db.MessageText {
		endpoint = s.baseURL + "/message/sendText/" + url.PathEscape(job.InstanceName)
		payload = sendTextRequest{Number: job.PhoneNumber, Text: job.MessageContent}
	} else {
		endpoint = s.baseURL + "/message/sendMedia/" + url.PathEscape(job.InstanceName)
		payload = sendMediaRequest{
			Number:    job.PhoneNumber,
			MediaType: t,
			Media:     job.MediaURL,
			Caption:   job.MessageContent,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal whatsapp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create whatsapp request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Disparo/1.0.0")
	req.Header.Set("apikey", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body for logging/debugging
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp api returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	s.logger.Info("whatsapp message delivered",
		zap.String("message_id", job.MessageID),
		zap.String("instance", job.InstanceName),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

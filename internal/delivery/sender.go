// Package delivery assembles the sender chain used by both delivery entry points:
// the QStash callback in the gateway and the SQS worker.
package delivery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/ai"
	"github.com/lalithlochan/disparo/internal/circuitbreaker"
	"github.com/lalithlochan/disparo/internal/config"
	"github.com/lalithlochan/disparo/internal/worker"
)

// NewSender builds WhatsApp (or log, without an API key) -> per-instance circuit
// breaker -> AI rewrite when an OpenAI key is configured. The breakers are
// returned as well so the caller can expose their state.
func NewSender(cfg *config.Config, logger *zap.Logger) (worker.Sender, *circuitbreaker.ProtectedSender, error) {
	var base worker.Sender
	if cfg.WhatsAppAPIKey == "" {
		logger.Warn("WHATSAPP_API_KEY not set, messages will only be logged")
		base = worker.NewLogSender(logger)
	} else {
		base = worker.NewWhatsAppSender(logger, worker.WhatsAppConfig{
			BaseURL: cfg.WhatsAppAPIURL,
			APIKey:  cfg.WhatsAppAPIKey,
			Timeout: time.Duration(cfg.WhatsAppTimeout) * time.Second,
		})
	}

	breakers := circuitbreaker.NewProtectedSender(base, circuitbreaker.DefaultConfig(""), logger)
	var sender worker.Sender = breakers

	if cfg.AIEnabled {
		client, err := ai.NewClient(ai.Config{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create AI client: %w", err)
		}
		sender = ai.NewRewriteSender(sender, client, logger)
	}

	logger.Info("delivery sender ready",
		zap.Bool("whatsapp", cfg.WhatsAppAPIKey != ""),
		zap.Bool("ai_rewrite", cfg.AIEnabled),
	)
	return sender, breakers, nil
}

// InstancesHandler serves the breaker state of every instance seen so far.
func InstancesHandler(breakers *circuitbreaker.ProtectedSender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"instances": breakers.Stats(),
		})
	}
}

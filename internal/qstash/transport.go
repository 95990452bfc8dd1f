// Package qstash is the Upstash QStash realisation of the delay queue. QStash calls
// the delivery callback URL at each job's notBefore instant and can cancel every
// pending job sharing a label in one call.
package qstash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/queue"
)

// MaxBatch is the number of messages sent per /v2/batch request.
const MaxBatch = 100

// Config holds QStash configuration.
type Config struct {
	BaseURL     string
	Token       string
	CallbackURL string
	// Retries is QStash's own per-message delivery retry count.
	Retries int
	Timeout time.Duration
}

// Transport publishes jobs to QStash.
type Transport struct {
	client *http.Client
	config Config
	logger *zap.Logger
}

// New creates a QStash transport.
func New(cfg Config, logger *zap.Logger) *Transport {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	logger.Info("qstash transport initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.String("callback_url", cfg.CallbackURL),
	)

	return &Transport{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

// Name implements queue.Transport.
func (t *Transport) Name() string { return "qstash" }

// MaxBatch implements queue.Transport.
func (t *Transport) MaxBatch() int { return MaxBatch }

type batchEntry struct {
	Destination string            `json:"destination"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
}

type batchResult struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error,omitempty"`
}

// Submit publishes one chunk through POST /v2/batch.
func (t *Transport) Submit(ctx context.Context, jobs []queue.Job) ([]queue.Receipt, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	entries := make([]batchEntry, 0, len(jobs))
	for _, job := range jobs {
		body, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal job %s: %v", queue.ErrPermanent, job.MessageID, err)
		}
		entries = append(entries, batchEntry{
			Destination: t.config.CallbackURL,
			Headers: map[string]string{
				"Content-Type":       "application/json",
				"Upstash-Not-Before": strconv.FormatInt(job.NotBefore, 10),
				"Upstash-Label":      job.Label,
				"Upstash-Retries":    strconv.Itoa(t.config.Retries),
			},
			Body: string(body),
		})
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal batch: %v", queue.ErrPermanent, err)
	}

	respBody, err := t.do(ctx, http.MethodPost, t.config.BaseURL+"/v2/batch", payload)
	if err != nil {
		return nil, err
	}

	var results []batchResult
	if err := json.Unmarshal(respBody, &results); err != nil {
		return nil, fmt.Errorf("decode qstash batch response: %w", err)
	}
	if len(results) != len(jobs) {
		return nil, fmt.Errorf("qstash accepted %d of %d messages", len(results), len(jobs))
	}

	receipts := make([]queue.Receipt, len(jobs))
	for i, job := range jobs {
		if results[i].Error != "" {
			return nil, fmt.Errorf("qstash rejected message %s: %s", job.MessageID, results[i].Error)
		}
		receipts[i] = queue.Receipt{MessageID: job.MessageID, QueueID: results[i].MessageID}
	}
	return receipts, nil
}

// DeleteByLabel cancels every pending message carrying label.
func (t *Transport) DeleteByLabel(ctx context.Context, label string) error {
	endpoint := t.config.BaseURL + "/v2/messages?label=" + url.QueryEscape(label)
	if _, err := t.do(ctx, http.MethodDelete, endpoint, nil); err != nil {
		return err
	}
	return nil
}

func (t *Transport) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", queue.ErrPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.config.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qstash request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read qstash response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.logger.Warn("qstash returned non-2xx status",
			zap.String("method", method),
			zap.Int("status_code", resp.StatusCode),
		)
		return nil, &queue.StatusError{Code: resp.StatusCode, Body: preview(respBody)}
	}
	return respBody, nil
}

func preview(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}

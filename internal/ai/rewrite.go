package ai

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/queue"
	"github.com/lalithlochan/disparo/internal/worker"
)

// Generator produces text from a prompt pair. *Client implements it.
type Generator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const rewritePrompt = `You rewrite WhatsApp marketing messages so that each recipient gets a
slightly different wording. Keep the meaning, the language, any links, prices and dates
exactly. Do not add greetings or signatures that are not in the original. Do not use
placeholders. Return ONLY the rewritten message.`

// RewriteSender wraps a worker.Sender and asks the model to reword jobs flagged
// useAI before passing them on. Any failure sends the original content.
type RewriteSender struct {
	inner     worker.Sender
	generator Generator
	logger    *zap.Logger
}

// NewRewriteSender wraps a sender with AI rewriting.
func NewRewriteSender(inner worker.Sender, generator Generator, logger *zap.Logger) *RewriteSender {
	return &RewriteSender{
		inner:     inner,
		generator: generator,
		logger:    logger,
	}
}

// Send rewrites job.MessageContent when the job asks for it, then sends.
func (r *RewriteSender) Send(ctx context.Context, job *queue.Job) error {
	if !job.UseAI || strings.TrimSpace(job.MessageContent) == "" {
		return r.inner.Send(ctx, job)
	}

	rewritten, err := r.generator.GenerateText(ctx, rewritePrompt, job.MessageContent)
	rewritten = strings.TrimSpace(rewritten)
	switch {
	case err != nil:
		r.logger.Warn("AI rewrite failed, sending original content",
			zap.String("message_id", job.MessageID),
			zap.Error(err),
		)
	case rewritten == "":
		r.logger.Warn("AI rewrite returned nothing, sending original content",
			zap.String("message_id", job.MessageID),
		)
	default:
		r.logger.Debug("message rewritten",
			zap.String("message_id", job.MessageID),
			zap.Int("original_length", len(job.MessageContent)),
			zap.Int("rewritten_length", len(rewritten)),
		)
		job.MessageContent = rewritten
	}

	return r.inner.Send(ctx, job)
}

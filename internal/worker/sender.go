package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/queue"
)

// Sender delivers one job through its WhatsApp instance. Decorators may rewrite
// job.MessageContent before passing it on; whatever is left in it after Send
// returns is what the recipient got.
type Sender interface {
	Send(ctx context.Context, job *queue.Job) error
}

// MessageType is the message kind a job carries: text, or the media type.
func MessageType(job *queue.Job) string {
	if job.MediaURL == "" {
		return db.MessageText
	}
	if job.MediaType == "" {
		return db.MessageImage
	}
	return job.MediaType
}

// LogSender is a simple sender that logs messages (for testing/development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, job *queue.Job) error {
	s.logger.Info("sending message",
		zap.String("message_id", job.MessageID),
		zap.String("instance", job.InstanceName),
		zap.String("campaign_id", job.CampaignID),
	)

	switch t := MessageType(job); t {
	case db.MessageText:
		return s.sendText(job)
	case db.MessageImage, db.MessageVideo, db.MessageAudio:
		return s.sendMedia(job, t)
	default:
		return fmt.Errorf("unsupported message type: %s", t)
	}
}

func (s *LogSender) sendText(job *queue.Job) error {
	s.logger.Info("text sent",
		zap.String("message_id", job.MessageID),
		zap.String("phone", job.PhoneNumber),
		zap.Int("length", len(job.MessageContent)),
	)
	return nil
}

func (s *LogSender) sendMedia(job *queue.Job, mediaType string) error {
	s.logger.Info("media sent",
		zap.String("message_id", job.MessageID),
		zap.String("phone", job.PhoneNumber),
		zap.String("media_type", mediaType),
		zap.String("media_url", job.MediaURL),
	)
	return nil
}

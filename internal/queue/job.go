// Package queue is the gateway to the external delay-capable message queue.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/lalithlochan/disparo/internal/db"
)

// Job is the payload handed to the queue and, at its notBefore instant, to the delivery worker.
type Job struct {
	MessageID      string `json:"messageId"`
	PhoneNumber    string `json:"phoneNumber"`
	MessageContent string `json:"messageContent"`
	InstanceName   string `json:"instanceName"`
	CampaignID     string `json:"campaignId"`
	TenantID       string `json:"tenantId"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	NotBefore      int64  `json:"notBefore"`
	UseAI          bool   `json:"useAI"`
	Label          string `json:"label"`
	// EnqueuedAt is stamped by the gateway (unix nanos).
	EnqueuedAt int64 `json:"enqueuedAt,omitempty"`
}

// JobFor builds the queue job for a persisted message job row. The id is shared and
// the campaign id doubles as the label.
func JobFor(m *db.MessageJob) Job {
	job := Job{
		MessageID:      m.ID.String(),
		PhoneNumber:    m.PhoneNumber,
		MessageContent: m.MessageContent,
		InstanceName:   m.InstanceName,
		CampaignID:     m.CampaignID.String(),
		TenantID:       m.TenantID.String(),
		NotBefore:      m.ScheduledFor.Unix(),
		UseAI:          m.Metadata.UseAI,
		Label:          m.CampaignID.String(),
	}
	if m.MediaURL != nil && *m.MediaURL != "" {
		job.MediaURL = *m.MediaURL
		job.MediaType = m.MessageType
	}
	return job
}

// Validate rejects jobs the worker could never deliver.
func (j Job) Validate() error {
	switch {
	case j.MessageID == "":
		return fmt.Errorf("%w: missing messageId", ErrPermanent)
	case j.PhoneNumber == "":
		return fmt.Errorf("%w: missing phoneNumber", ErrPermanent)
	case j.InstanceName == "":
		return fmt.Errorf("%w: missing instanceName", ErrPermanent)
	case j.Label == "":
		return fmt.Errorf("%w: missing label", ErrPermanent)
	}
	return nil
}

// NotBeforeTime is the earliest delivery instant.
func (j Job) NotBeforeTime() time.Time {
	return time.Unix(j.NotBefore, 0)
}

// Receipt is the queue's acknowledgement of one accepted job.
type Receipt struct {
	MessageID string `json:"messageId"`
	QueueID   string `json:"queueId"`
}

// ErrPermanent marks a failure that retrying cannot fix (4xx, malformed payload).
var ErrPermanent = errors.New("permanent queue error")

// StatusError is a non-2xx answer from an HTTP queue service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("queue responded %d", e.Code)
	}
	return fmt.Sprintf("queue responded %d: %s", e.Code, e.Body)
}

// Is lets errors.Is(err, ErrPermanent) match client errors.
func (e *StatusError) Is(target error) bool {
	return target == ErrPermanent && e.Code >= 400 && e.Code < 500
}

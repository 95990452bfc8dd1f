package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a campaign or message job row does not exist.
var ErrNotFound = errors.New("not found")

// Campaign status constants
const (
	CampaignPending    = "pending"
	CampaignProcessing = "processing"
	CampaignPaused     = "paused"
	CampaignCancelled  = "cancelled"
	CampaignCompleted  = "completed"
)

// Message job status constants. StatusPending only exists on legacy rows.
const (
	StatusQueued    = "queued"
	StatusPaused    = "paused"
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Message type constants
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageVideo = "video"
	MessageAudio = "audio"
)

// NonTerminalStatuses are the message job statuses that a reprocess replaces.
var NonTerminalStatuses = []string{StatusQueued, StatusPaused, StatusPending}

// MessageTemplate is one authored message of a campaign's sequence.
type MessageTemplate struct {
	Type     string  `json:"type"`
	Content  string  `json:"content"`
	MediaURL *string `json:"media_url,omitempty"`
}

// IsMedia reports whether the template carries a media attachment type.
func (t MessageTemplate) IsMedia() bool {
	return t.Type == MessageImage || t.Type == MessageVideo || t.Type == MessageAudio
}

// ContentConfiguration is stored as JSON on the campaign row.
type ContentConfiguration struct {
	UseAI    bool              `json:"use_ai"`
	Messages []MessageTemplate `json:"messages"`
}

// Campaign represents one bulk-send operation.
type Campaign struct {
	ID                   uuid.UUID            `json:"id"`
	TenantID             uuid.UUID            `json:"tenant_id"`
	Name                 string               `json:"name"`
	Status               string               `json:"status"`
	TargetAudience       string               `json:"target_audience"`
	Creative             string               `json:"creative"`
	Instances            []string             `json:"instances"`
	DelayMin             int                  `json:"delay_min"`
	DelayMax             int                  `json:"delay_max"`
	IsScheduled          bool                 `json:"is_scheduled"`
	ScheduledFor         *time.Time           `json:"scheduled_for,omitempty"`
	ContentConfiguration ContentConfiguration `json:"content_configuration"`
	TotalMessages        int                  `json:"total_messages"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
}

// IsTerminal reports whether no further transition is possible.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCancelled || c.Status == CampaignCompleted
}

// ContactSnapshot is the contact's imported fields, captured on every message job.
type ContactSnapshot map[string]string

// Contact is one audience member: a normalized phone number plus arbitrary import columns.
type Contact struct {
	Phone  string          `json:"phone"`
	Fields ContactSnapshot `json:"fields"`
}

// MessageJobMetadata is stored as JSON on each message job row.
type MessageJobMetadata struct {
	TargetAudience string          `json:"target_audience"`
	Creative       string          `json:"creative"`
	Contact        ContactSnapshot `json:"contact"`
	UseAI          bool            `json:"use_ai"`
}

// MessageJob is one (contact, template) send attempt and its status row.
// ID is shared with the queue job for correlation.
type MessageJob struct {
	ID             uuid.UUID          `json:"id"`
	TenantID       uuid.UUID          `json:"tenant_id"`
	CampaignID     uuid.UUID          `json:"campaign_id"`
	InstanceName   string             `json:"instance_name"`
	PhoneNumber    string             `json:"phone_number"`
	MessageContent string             `json:"message_content"`
	MessageType    string             `json:"message_type"`
	MediaURL       *string            `json:"media_url,omitempty"`
	ScheduledFor   time.Time          `json:"scheduled_for"`
	Status         string             `json:"status"`
	Metadata       MessageJobMetadata `json:"metadata"`
	ErrorMessage   *string            `json:"error_message,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Reschedule is a new delivery time for one paused message job.
type Reschedule struct {
	ID           uuid.UUID
	ScheduledFor time.Time
}

package campaign

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/queue"
	"github.com/lalithlochan/disparo/internal/schedule"
	"github.com/lalithlochan/disparo/internal/templating"
)

// Builder turns contacts × templates into message job rows and their queue jobs.
// It performs no I/O.
type Builder struct {
	policy      *schedule.Policy
	countryCode string
	newID       func() uuid.UUID
}

// NewBuilder creates a builder that normalizes phones with countryCode.
func NewBuilder(policy *schedule.Policy, countryCode string) *Builder {
	return &Builder{
		policy:      policy,
		countryCode: countryCode,
		newID:       uuid.New,
	}
}

// Build produces one row and one queue job per (contact, template), contact-major.
// Contacts without a usable phone are skipped, as are repeats of a phone already seen.
// The i-th kept contact is sent from Instances[i % len(Instances)]. Row and queue job
// share a fresh id, and the queue job is labelled with the campaign id.
func (b *Builder) Build(c *db.Campaign, contacts []db.Contact, base time.Time) ([]*db.MessageJob, []queue.Job, error) {
	if len(c.Instances) == 0 {
		return nil, nil, ErrNoInstances
	}
	templates := c.ContentConfiguration.Messages
	if err := validateTemplates(templates); err != nil {
		return nil, nil, err
	}

	deliverable := b.deliverable(contacts)
	if len(deliverable) == 0 {
		return nil, nil, ErrNoDeliverableContacts
	}

	times, err := b.policy.DeliveryTimes(base, len(deliverable)*len(templates), c.DelayMin, c.DelayMax)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidDelayRange, err)
	}

	rows := make([]*db.MessageJob, 0, len(times))
	jobs := make([]queue.Job, 0, len(times))
	for i, contact := range deliverable {
		instance := c.Instances[i%len(c.Instances)]
		for _, tmpl := range templates {
			content := templating.Personalize(tmpl.Content, contact.Fields)

			row := &db.MessageJob{
				ID:             b.newID(),
				TenantID:       c.TenantID,
				CampaignID:     c.ID,
				InstanceName:   instance,
				PhoneNumber:    contact.Phone,
				MessageContent: content,
				MessageType:    tmpl.Type,
				MediaURL:       copyString(tmpl.MediaURL),
				ScheduledFor:   times[len(rows)],
				Status:         db.StatusQueued,
				Metadata: db.MessageJobMetadata{
					TargetAudience: c.TargetAudience,
					Creative:       c.Creative,
					Contact:        maps.Clone(contact.Fields),
					// media without a caption is never rewritten
					UseAI: c.ContentConfiguration.UseAI && strings.TrimSpace(content) != "",
				},
			}
			rows = append(rows, row)
			jobs = append(jobs, queue.JobFor(row))
		}
	}

	return rows, jobs, nil
}

// Reschedule spreads already-persisted rows out again from the resume instant using
// the resume stagger. Ids are kept so queue jobs still correlate with their rows.
func (b *Builder) Reschedule(rows []*db.MessageJob, from time.Time) ([]db.Reschedule, []queue.Job) {
	times := b.policy.ResumeTimes(from, len(rows))

	plan := make([]db.Reschedule, len(rows))
	jobs := make([]queue.Job, len(rows))
	for i, row := range rows {
		moved := *row
		moved.ScheduledFor = times[i]
		plan[i] = db.Reschedule{ID: row.ID, ScheduledFor: times[i]}
		jobs[i] = queue.JobFor(&moved)
	}
	return plan, jobs
}

// ContactsFromJobs recovers the distinct contacts behind a set of rows from their
// metadata snapshots, in first-seen order.
func ContactsFromJobs(rows []*db.MessageJob) []db.Contact {
	seen := make(map[string]bool, len(rows))
	var contacts []db.Contact
	for _, row := range rows {
		if row.PhoneNumber == "" || seen[row.PhoneNumber] {
			continue
		}
		seen[row.PhoneNumber] = true
		fields := maps.Clone(row.Metadata.Contact)
		if fields == nil {
			fields = db.ContactSnapshot{}
		}
		contacts = append(contacts, db.Contact{Phone: row.PhoneNumber, Fields: fields})
	}
	return contacts
}

func (b *Builder) deliverable(contacts []db.Contact) []db.Contact {
	seen := make(map[string]bool, len(contacts))
	out := make([]db.Contact, 0, len(contacts))
	for _, c := range contacts {
		phone := NormalizePhone(c.Phone, b.countryCode)
		if phone == "" || seen[phone] {
			continue
		}
		seen[phone] = true
		out = append(out, db.Contact{Phone: phone, Fields: c.Fields})
	}
	return out
}

func validateTemplates(templates []db.MessageTemplate) error {
	if len(templates) == 0 {
		return ErrNoTemplates
	}
	for i, t := range templates {
		switch t.Type {
		case db.MessageText:
			if strings.TrimSpace(t.Content) == "" {
				return fmt.Errorf("%w: message %d is an empty text", ErrInvalidTemplate, i+1)
			}
		case db.MessageImage, db.MessageVideo, db.MessageAudio:
			if t.MediaURL == nil || strings.TrimSpace(*t.MediaURL) == "" {
				return fmt.Errorf("%w: message %d has type %s but no media", ErrInvalidTemplate, i+1, t.Type)
			}
		default:
			return fmt.Errorf("%w: message %d has unknown type %q", ErrInvalidTemplate, i+1, t.Type)
		}
	}
	return nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

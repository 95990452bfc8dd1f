// Package campaign drives a campaign through its lifecycle: start, pause, resume,
// cancel and reprocess. The message_jobs table is the source of truth; the queue is
// told what to do first and the database is reconciled after it.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/metrics"
	"github.com/lalithlochan/disparo/internal/queue"
	"github.com/lalithlochan/disparo/internal/schedule"
)

// Store is the Log/Status Store. *db.Repository implements it.
type Store interface {
	CreateCampaignWithJobs(ctx context.Context, c *db.Campaign, jobs []*db.MessageJob) error
	GetCampaign(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	UpdateMessageJobStatuses(ctx context.Context, campaignID uuid.UUID, from []string, to string) (int64, error)
	ListMessageJobsByStatus(ctx context.Context, campaignID uuid.UUID, statuses []string) ([]*db.MessageJob, error)
	RequeueMessageJobs(ctx context.Context, schedule []db.Reschedule) (int64, error)
	ReplaceMessageJobs(ctx context.Context, campaignID uuid.UUID, remove []uuid.UUID, cfg db.ContentConfiguration, jobs []*db.MessageJob) error
	CompleteCampaignIfDone(ctx context.Context, campaignID uuid.UUID) (bool, error)
}

// Gateway is the delay queue. *queue.Gateway implements it.
type Gateway interface {
	EnqueueBatch(ctx context.Context, jobs []queue.Job) ([]queue.Receipt, error)
	CancelAllByLabel(ctx context.Context, label string) error
}

// Locker serialises lifecycle operations on one campaign.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// EventPublisher fans out lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType, tenantID string, payload any) error
}

// Alerter notifies an operator about a campaign stuck after a partial start.
type Alerter interface {
	AlertStartFailure(ctx context.Context, c *db.Campaign, cause error) error
}

// Event is the payload of a lifecycle event.
type Event struct {
	CampaignID string    `json:"campaign_id"`
	TenantID   string    `json:"tenant_id"`
	Status     string    `json:"status"`
	Messages   int       `json:"messages"`
	OccurredAt time.Time `json:"occurred_at"`
}

const lockTTL = 2 * time.Minute

// CreateInput is everything needed to create and start a campaign.
type CreateInput struct {
	TenantID       uuid.UUID
	Name           string
	TargetAudience string
	Creative       string
	Instances      []string
	DelayMin       int
	DelayMax       int
	IsScheduled    bool
	ScheduledFor   *time.Time
	Content        db.ContentConfiguration
	Contacts       []db.Contact
}

// Controller is the campaign lifecycle state machine.
type Controller struct {
	store   Store
	gateway Gateway
	builder *Builder
	locker  Locker
	events  EventPublisher
	alerter Alerter
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Controller)

// WithLocker enables per-campaign locking.
func WithLocker(l Locker) Option {
	return func(c *Controller) { c.locker = l }
}

// WithEvents publishes an event after every successful transition.
func WithEvents(p EventPublisher) Option {
	return func(c *Controller) { c.events = p }
}

// WithAlerter alerts an operator when a start fails after persistence.
func WithAlerter(a Alerter) Option {
	return func(c *Controller) { c.alerter = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a lifecycle controller.
func NewController(store Store, gateway Gateway, builder *Builder, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:   store,
		gateway: gateway,
		builder: builder,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start validates the input, persists the campaign (pending) with all of its rows
// (queued), enqueues every job and only then moves the campaign to processing.
//
// If the queue refuses a chunk the campaign is returned still pending, without
// started_at, together with an error wrapping ErrEnqueueFailed.
func (ctl *Controller) Start(ctx context.Context, in CreateInput) (*db.Campaign, error) {
	if err := validateCreate(in); err != nil {
		metrics.RecordTransition("start", "invalid")
		return nil, err
	}

	now := ctl.now()
	c := &db.Campaign{
		ID:                   uuid.New(),
		TenantID:             in.TenantID,
		Name:                 strings.TrimSpace(in.Name),
		Status:               db.CampaignPending,
		TargetAudience:       in.TargetAudience,
		Creative:             in.Creative,
		Instances:            in.Instances,
		DelayMin:             in.DelayMin,
		DelayMax:             in.DelayMax,
		IsScheduled:          in.IsScheduled,
		ScheduledFor:         in.ScheduledFor,
		ContentConfiguration: in.Content,
	}

	base := now
	if c.IsScheduled && c.ScheduledFor != nil && c.ScheduledFor.After(now) {
		base = *c.ScheduledFor
	}

	rows, jobs, err := ctl.builder.Build(c, in.Contacts, base)
	if err != nil {
		metrics.RecordTransition("start", "invalid")
		return nil, err
	}
	c.TotalMessages = len(rows)

	if err := ctl.store.CreateCampaignWithJobs(ctx, c, rows); err != nil {
		metrics.RecordTransition("start", "error")
		return nil, fmt.Errorf("persist campaign: %w", err)
	}

	if _, err := ctl.gateway.EnqueueBatch(ctx, jobs); err != nil {
		ctl.logger.Error("campaign left pending after enqueue failure",
			zap.String("campaign_id", c.ID.String()),
			zap.String("tenant_id", c.TenantID.String()),
			zap.Int("count", len(jobs)),
			zap.Error(err),
		)
		metrics.RecordTransition("start", "enqueue_failed")
		// Chunks accepted before the failure would still fire for a campaign
		// that never started. Rows stay queued for the operator to inspect.
		ctl.cancelQueue(context.WithoutCancel(ctx), c)
		ctl.alert(ctx, c, err)
		return c, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}
	metrics.RecordJobsEnqueued(c.TenantID.String(), len(jobs))

	if err := ctl.transition(ctx, c.ID, []string{db.CampaignPending}, db.CampaignProcessing); err != nil {
		metrics.RecordTransition("start", "error")
		return nil, err
	}

	started, err := ctl.store.GetCampaign(ctx, c.TenantID, c.ID)
	if err != nil {
		return nil, fmt.Errorf("reload campaign: %w", err)
	}

	ctl.logger.Info("campaign started",
		zap.String("campaign_id", c.ID.String()),
		zap.String("tenant_id", c.TenantID.String()),
		zap.Int("count", len(jobs)),
		zap.Time("first_delivery", rows[0].ScheduledFor),
	)
	metrics.RecordTransition("start", "ok")
	ctl.publish(ctx, "campaign.started", started, len(jobs))
	return started, nil
}

// Pause cancels the campaign's queued deliveries (best effort), marks its queued rows
// paused and then the campaign itself. Only a processing campaign can be paused.
func (ctl *Controller) Pause(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	var paused int64
	c, err := ctl.locked(ctx, tenantID, id, "pause", func(c *db.Campaign) error {
		if c.Status != db.CampaignProcessing {
			return invalidFrom(c, "pause")
		}

		ctl.cancelQueue(ctx, c)

		n, err := ctl.store.UpdateMessageJobStatuses(ctx, c.ID, []string{db.StatusQueued}, db.StatusPaused)
		if err != nil {
			return fmt.Errorf("pause message jobs: %w", err)
		}
		paused = n

		return ctl.transition(ctx, c.ID, []string{db.CampaignProcessing}, db.CampaignPaused)
	})
	if err != nil {
		return nil, err
	}

	ctl.logger.Info("campaign paused",
		zap.String("campaign_id", id.String()),
		zap.Int64("count", paused),
	)
	ctl.publish(ctx, "campaign.paused", c, int(paused))
	return c, nil
}

// Resume re-enqueues every paused row under its existing id, spaced out from now by
// the resume stagger, flips those rows back to queued and the campaign to processing.
// With nothing paused it only makes sure the campaign is processing.
func (ctl *Controller) Resume(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	var resumed int
	c, err := ctl.locked(ctx, tenantID, id, "resume", func(c *db.Campaign) error {
		if c.Status != db.CampaignPaused && c.Status != db.CampaignProcessing {
			return invalidFrom(c, "resume")
		}

		rows, err := ctl.store.ListMessageJobsByStatus(ctx, c.ID, []string{db.StatusPaused})
		if err != nil {
			return fmt.Errorf("list paused message jobs: %w", err)
		}

		if len(rows) > 0 {
			plan, jobs := ctl.builder.Reschedule(rows, ctl.now())

			if _, err := ctl.gateway.EnqueueBatch(ctx, jobs); err != nil {
				ctl.logger.Error("resume enqueue failed, rows stay paused",
					zap.String("campaign_id", c.ID.String()),
					zap.Int("count", len(jobs)),
					zap.Error(err),
				)
				return fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
			}
			metrics.RecordJobsEnqueued(c.TenantID.String(), len(jobs))

			n, err := ctl.store.RequeueMessageJobs(ctx, plan)
			if err != nil {
				return fmt.Errorf("requeue message jobs: %w", err)
			}
			if int(n) != len(plan) {
				ctl.logger.Warn("some paused rows changed status during resume",
					zap.String("campaign_id", c.ID.String()),
					zap.Int("expected", len(plan)),
					zap.Int64("requeued", n),
				)
			}
			resumed = int(n)
		}

		return ctl.transition(ctx, c.ID, []string{db.CampaignPaused, db.CampaignProcessing}, db.CampaignProcessing)
	})
	if err != nil {
		return nil, err
	}

	ctl.logger.Info("campaign resumed",
		zap.String("campaign_id", id.String()),
		zap.Int("count", resumed),
	)
	ctl.publish(ctx, "campaign.resumed", c, resumed)
	return c, nil
}

// Cancel stops the campaign for good: queue cancel (best effort), every not yet
// delivered row to cancelled, campaign to cancelled with completed_at.
func (ctl *Controller) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	var cancelled int64
	c, err := ctl.locked(ctx, tenantID, id, "cancel", func(c *db.Campaign) error {
		if c.IsTerminal() {
			return invalidFrom(c, "cancel")
		}

		ctl.cancelQueue(ctx, c)

		n, err := ctl.store.UpdateMessageJobStatuses(ctx, c.ID, db.NonTerminalStatuses, db.StatusCancelled)
		if err != nil {
			return fmt.Errorf("cancel message jobs: %w", err)
		}
		cancelled = n

		return ctl.transition(ctx, c.ID,
			[]string{db.CampaignPending, db.CampaignProcessing, db.CampaignPaused},
			db.CampaignCancelled,
		)
	})
	if err != nil {
		return nil, err
	}

	ctl.logger.Info("campaign cancelled",
		zap.String("campaign_id", id.String()),
		zap.Int64("count", cancelled),
	)
	ctl.publish(ctx, "campaign.cancelled", c, int(cancelled))
	return c, nil
}

// Reprocess replaces the content of every not yet delivered message. Sent and failed
// rows are never touched: the remaining rows are deleted and regenerated, with new
// ids, for the distinct contacts recovered from their snapshots.
//
// The replacement rows are committed before they are enqueued, so a queue failure
// leaves queued rows without a delivery path rather than deliveries without rows.
func (ctl *Controller) Reprocess(ctx context.Context, tenantID, id uuid.UUID, content db.ContentConfiguration) (*db.Campaign, error) {
	if err := validateTemplates(content.Messages); err != nil {
		metrics.RecordTransition("reprocess", "invalid")
		return nil, err
	}

	var rebuilt int
	c, err := ctl.locked(ctx, tenantID, id, "reprocess", func(c *db.Campaign) error {
		if c.IsTerminal() {
			return invalidFrom(c, "reprocess")
		}

		ctl.cancelQueue(ctx, c)

		rows, err := ctl.store.ListMessageJobsByStatus(ctx, c.ID, db.NonTerminalStatuses)
		if err != nil {
			return fmt.Errorf("list pending message jobs: %w", err)
		}

		edited := *c
		edited.ContentConfiguration = content

		var fresh []*db.MessageJob
		var jobs []queue.Job
		if contacts := ContactsFromJobs(rows); len(contacts) > 0 {
			fresh, jobs, err = ctl.builder.Build(&edited, contacts, ctl.now())
			if err != nil {
				return fmt.Errorf("rebuild message jobs: %w", err)
			}
		}

		remove := make([]uuid.UUID, len(rows))
		for i, row := range rows {
			remove[i] = row.ID
		}
		if err := ctl.store.ReplaceMessageJobs(ctx, c.ID, remove, content, fresh); err != nil {
			return fmt.Errorf("replace message jobs: %w", err)
		}

		if len(jobs) > 0 {
			if _, err := ctl.gateway.EnqueueBatch(ctx, jobs); err != nil {
				ctl.logger.Error("reprocess enqueue failed",
					zap.String("campaign_id", c.ID.String()),
					zap.Int("count", len(jobs)),
					zap.Error(err),
				)
				ctl.alert(ctx, &edited, err)
				return fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
			}
			metrics.RecordJobsEnqueued(c.TenantID.String(), len(jobs))
		}
		rebuilt = len(jobs)

		if err := ctl.transition(ctx, c.ID,
			[]string{db.CampaignPending, db.CampaignProcessing, db.CampaignPaused},
			db.CampaignProcessing,
		); err != nil {
			return err
		}

		if rebuilt == 0 {
			// everything was already delivered
			if _, err := ctl.store.CompleteCampaignIfDone(ctx, c.ID); err != nil {
				return fmt.Errorf("complete campaign: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctl.logger.Info("campaign reprocessed",
		zap.String("campaign_id", id.String()),
		zap.Int("count", rebuilt),
	)
	ctl.publish(ctx, "campaign.reprocessed", c, rebuilt)
	return c, nil
}

// locked loads the campaign under the per-campaign lock, runs fn and returns the
// campaign as persisted afterwards.
func (ctl *Controller) locked(ctx context.Context, tenantID, id uuid.UUID, op string, fn func(*db.Campaign) error) (*db.Campaign, error) {
	if ctl.locker != nil {
		key := "campaign:" + id.String()
		token, ok, err := ctl.locker.TryLock(ctx, key, lockTTL)
		switch {
		case err != nil:
			// the status CAS still protects the transition
			ctl.logger.Warn("campaign lock unavailable", zap.String("campaign_id", id.String()), zap.Error(err))
		case !ok:
			metrics.RecordTransition(op, "busy")
			return nil, ErrBusy
		default:
			defer func() {
				if err := ctl.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
					ctl.logger.Warn("failed to release campaign lock", zap.String("campaign_id", id.String()), zap.Error(err))
				}
			}()
		}
	}

	c, err := ctl.store.GetCampaign(ctx, tenantID, id)
	if err != nil {
		metrics.RecordTransition(op, "error")
		return nil, err
	}

	if err := fn(c); err != nil {
		result := "error"
		if errors.Is(err, ErrInvalidTransition) {
			result = "invalid"
		}
		metrics.RecordTransition(op, result)
		return nil, err
	}
	metrics.RecordTransition(op, "ok")

	updated, err := ctl.store.GetCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("reload campaign: %w", err)
	}
	return updated, nil
}

func (ctl *Controller) transition(ctx context.Context, id uuid.UUID, from []string, to string) error {
	ok, err := ctl.store.TransitionCampaign(ctx, id, from, to)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s is no longer %s", ErrInvalidTransition, id, strings.Join(from, " or "))
	}
	return nil
}

// cancelQueue is advisory; the rows are what the worker trusts.
func (ctl *Controller) cancelQueue(ctx context.Context, c *db.Campaign) {
	if err := ctl.gateway.CancelAllByLabel(ctx, c.ID.String()); err != nil {
		ctl.logger.Warn("queue cancel failed, continuing with database update",
			zap.String("campaign_id", c.ID.String()),
			zap.String("label", c.ID.String()),
			zap.Error(err),
		)
	}
}

func (ctl *Controller) publish(ctx context.Context, eventType string, c *db.Campaign, messages int) {
	if ctl.events == nil {
		return
	}
	event := Event{
		CampaignID: c.ID.String(),
		TenantID:   c.TenantID.String(),
		Status:     c.Status,
		Messages:   messages,
		OccurredAt: ctl.now().UTC(),
	}
	if err := ctl.events.PublishEvent(ctx, eventType, event.TenantID, event); err != nil {
		ctl.logger.Warn("failed to publish campaign event",
			zap.String("campaign_id", event.CampaignID),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}

func (ctl *Controller) alert(ctx context.Context, c *db.Campaign, cause error) {
	if ctl.alerter == nil {
		return
	}
	if err := ctl.alerter.AlertStartFailure(ctx, c, cause); err != nil {
		ctl.logger.Warn("failed to send operator alert",
			zap.String("campaign_id", c.ID.String()),
			zap.Error(err),
		)
	}
}

func invalidFrom(c *db.Campaign, op string) error {
	return fmt.Errorf("%w: cannot %s a %s campaign", ErrInvalidTransition, op, c.Status)
}

func validateCreate(in CreateInput) error {
	if in.TenantID == uuid.Nil {
		return fmt.Errorf("%w: missing tenant", ErrValidation)
	}
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrValidation)
	}
	if len(in.Instances) == 0 {
		return ErrNoInstances
	}
	for _, inst := range in.Instances {
		if strings.TrimSpace(inst) == "" {
			return fmt.Errorf("%w: blank instance name", ErrValidation)
		}
	}
	if len(in.Contacts) == 0 {
		return ErrNoContacts
	}
	if err := schedule.ValidateRange(in.DelayMin, in.DelayMax); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDelayRange, err)
	}
	if in.IsScheduled && in.ScheduledFor == nil {
		return ErrInvalidSchedule
	}
	return validateTemplates(in.Content.Messages)
}

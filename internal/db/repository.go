package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository is the Log/Status Store: campaigns and their message jobs.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new campaign repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const campaignColumns = `
	id, tenant_id, name, status, target_audience, creative, instances,
	delay_min, delay_max, is_scheduled, scheduled_for, content_configuration,
	total_messages, created_at, updated_at, started_at, completed_at`

const messageJobColumns = `
	id, tenant_id, campaign_id, instance_name, phone_number, message_content,
	message_type, media_url, scheduled_for, status, metadata, error_message,
	sent_at, created_at, updated_at`

const insertMessageJob = `
	INSERT INTO message_jobs (
		id, tenant_id, campaign_id, instance_name, phone_number, message_content,
		message_type, media_url, scheduled_for, status, metadata
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// CreateCampaignWithJobs inserts the campaign and all of its message job rows in one transaction.
func (r *Repository) CreateCampaignWithJobs(ctx context.Context, c *Campaign, jobs []*MessageJob) error {
	content, err := json.Marshal(c.ContentConfiguration)
	if err != nil {
		return fmt.Errorf("marshal content configuration: %w", err)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO campaigns (
			id, tenant_id, name, status, target_audience, creative, instances,
			delay_min, delay_max, is_scheduled, scheduled_for, content_configuration,
			total_messages
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		c.ID,
		c.TenantID,
		c.Name,
		c.Status,
		c.TargetAudience,
		c.Creative,
		c.Instances,
		c.DelayMin,
		c.DelayMax,
		c.IsScheduled,
		c.ScheduledFor,
		content,
		c.TotalMessages,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	if err := insertJobs(ctx, tx, jobs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("campaign persisted",
		zap.String("campaign_id", c.ID.String()),
		zap.String("tenant_id", c.TenantID.String()),
		zap.Int("message_jobs", len(jobs)),
	)

	return nil
}

func insertJobs(ctx context.Context, tx pgx.Tx, jobs []*MessageJob) error {
	if len(jobs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, j := range jobs {
		metadata, err := json.Marshal(j.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", j.ID, err)
		}
		batch.Queue(insertMessageJob,
			j.ID,
			j.TenantID,
			j.CampaignID,
			j.InstanceName,
			j.PhoneNumber,
			j.MessageContent,
			j.MessageType,
			j.MediaURL,
			j.ScheduledFor,
			j.Status,
			metadata,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range jobs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert message job: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close insert batch: %w", err)
	}
	return nil
}

// GetCampaign retrieves a tenant's campaign by ID
func (r *Repository) GetCampaign(ctx context.Context, tenantID, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1 AND tenant_id = $2`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get campaign",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return c, nil
}

// ListCampaignsByTenant retrieves campaigns for a tenant with pagination
func (r *Repository) ListCampaignsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return campaigns, nil
}

// TransitionCampaign moves a campaign to status `to` only if its current status is one of `from`.
// Entering processing stamps started_at once; entering cancelled or completed stamps completed_at.
// Returns false when no row matched.
func (r *Repository) TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = $1,
			started_at = CASE WHEN $1 = 'processing' AND started_at IS NULL THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $1 IN ('cancelled', 'completed') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		r.logger.Error("failed to transition campaign",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
			zap.String("to", to),
		)
		return false, fmt.Errorf("update campaign status: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// UpdateMessageJobStatuses bulk-updates every job of the campaign whose status is in `from`.
func (r *Repository) UpdateMessageJobStatuses(ctx context.Context, campaignID uuid.UUID, from []string, to string) (int64, error) {
	query := `
		UPDATE message_jobs
		SET status = $1, updated_at = NOW()
		WHERE campaign_id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, to, campaignID, from)
	if err != nil {
		return 0, fmt.Errorf("bulk update message jobs: %w", err)
	}

	r.logger.Info("message jobs updated",
		zap.String("campaign_id", campaignID.String()),
		zap.Strings("from", from),
		zap.String("to", to),
		zap.Int64("count", result.RowsAffected()),
	)

	return result.RowsAffected(), nil
}

// ListMessageJobsByStatus returns every job of the campaign in one of the statuses,
// in delivery order.
func (r *Repository) ListMessageJobsByStatus(ctx context.Context, campaignID uuid.UUID, statuses []string) ([]*MessageJob, error) {
	query := `SELECT ` + messageJobColumns + `
		FROM message_jobs
		WHERE campaign_id = $1 AND status = ANY($2)
		ORDER BY scheduled_for ASC, id ASC`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, statuses)
	if err != nil {
		return nil, fmt.Errorf("query message jobs: %w", err)
	}
	return collectMessageJobs(rows)
}

// ListMessageJobsPage lists a campaign's jobs for dashboards; empty status means all.
func (r *Repository) ListMessageJobsPage(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*MessageJob, error) {
	query := `SELECT ` + messageJobColumns + `
		FROM message_jobs
		WHERE campaign_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY scheduled_for ASC, id ASC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query message jobs: %w", err)
	}
	return collectMessageJobs(rows)
}

// GetMessageJob retrieves a message job by ID
func (r *Repository) GetMessageJob(ctx context.Context, id uuid.UUID) (*MessageJob, error) {
	query := `SELECT ` + messageJobColumns + ` FROM message_jobs WHERE id = $1`

	j, err := scanMessageJob(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query message job: %w", err)
	}
	return j, nil
}

// RequeueMessageJobs flips paused jobs back to queued with their new delivery time.
// Rows that are no longer paused are left alone; the number actually requeued is returned.
func (r *Repository) RequeueMessageJobs(ctx context.Context, schedule []Reschedule) (int64, error) {
	if len(schedule) == 0 {
		return 0, nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		UPDATE message_jobs
		SET status = 'queued', scheduled_for = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'paused'
	`

	batch := &pgx.Batch{}
	for _, s := range schedule {
		batch.Queue(query, s.ID, s.ScheduledFor)
	}

	var affected int64
	br := tx.SendBatch(ctx, batch)
	for range schedule {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return 0, fmt.Errorf("requeue message job: %w", err)
		}
		affected += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close requeue batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return affected, nil
}

// ReplaceMessageJobs deletes the given non-terminal jobs, stores the edited content
// configuration and inserts the regenerated jobs, atomically.
// Sent and failed rows are never matched by the delete.
func (r *Repository) ReplaceMessageJobs(ctx context.Context, campaignID uuid.UUID, remove []uuid.UUID, cfg ContentConfiguration, jobs []*MessageJob) error {
	content, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal content configuration: %w", err)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	deleted, err := tx.Exec(ctx, `
		DELETE FROM message_jobs
		WHERE campaign_id = $1 AND id = ANY($2) AND status = ANY($3)
	`, campaignID, remove, NonTerminalStatuses)
	if err != nil {
		return fmt.Errorf("delete message jobs: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET content_configuration = $1,
			total_messages = total_messages - $2 + $3,
			updated_at = NOW()
		WHERE id = $4
	`, content, deleted.RowsAffected(), len(jobs), campaignID)
	if err != nil {
		return fmt.Errorf("update content configuration: %w", err)
	}

	if err := insertJobs(ctx, tx, jobs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("message jobs replaced",
		zap.String("campaign_id", campaignID.String()),
		zap.Int64("deleted", deleted.RowsAffected()),
		zap.Int("inserted", len(jobs)),
	)

	return nil
}

// MarkMessageJobResult records the delivery outcome of a queued job.
// Returns false when the job was no longer queued.
func (r *Repository) MarkMessageJobResult(ctx context.Context, id uuid.UUID, status, content string, errorMsg *string) (bool, error) {
	query := `
		UPDATE message_jobs
		SET status = $1,
			message_content = $2,
			error_message = $3,
			sent_at = CASE WHEN $1 = 'sent' THEN NOW() ELSE sent_at END,
			updated_at = NOW()
		WHERE id = $4 AND status = 'queued'
	`

	result, err := r.db.Pool().Exec(ctx, query, status, content, errorMsg, id)
	if err != nil {
		r.logger.Error("failed to record delivery result",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return false, fmt.Errorf("update message job result: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// CompleteCampaignIfDone flips a processing campaign to completed once none of its jobs
// are queued or paused.
func (r *Repository) CompleteCampaignIfDone(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	query := `
		UPDATE campaigns c
		SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE c.id = $1
			AND c.status = 'processing'
			AND NOT EXISTS (
				SELECT 1 FROM message_jobs m
				WHERE m.campaign_id = c.id AND m.status IN ('queued', 'paused', 'pending')
			)
	`

	result, err := r.db.Pool().Exec(ctx, query, campaignID)
	if err != nil {
		return false, fmt.Errorf("complete campaign: %w", err)
	}

	if result.RowsAffected() > 0 {
		r.logger.Info("campaign completed", zap.String("campaign_id", campaignID.String()))
		return true, nil
	}
	return false, nil
}

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var content []byte
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.Status,
		&c.TargetAudience,
		&c.Creative,
		&c.Instances,
		&c.DelayMin,
		&c.DelayMax,
		&c.IsScheduled,
		&c.ScheduledFor,
		&content,
		&c.TotalMessages,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.StartedAt,
		&c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &c.ContentConfiguration); err != nil {
			return nil, fmt.Errorf("decode content configuration: %w", err)
		}
	}
	return &c, nil
}

func scanMessageJob(row pgx.Row) (*MessageJob, error) {
	var j MessageJob
	var metadata []byte
	err := row.Scan(
		&j.ID,
		&j.TenantID,
		&j.CampaignID,
		&j.InstanceName,
		&j.PhoneNumber,
		&j.MessageContent,
		&j.MessageType,
		&j.MediaURL,
		&j.ScheduledFor,
		&j.Status,
		&metadata,
		&j.ErrorMessage,
		&j.SentAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &j, nil
}

func collectMessageJobs(rows pgx.Rows) ([]*MessageJob, error) {
	defer rows.Close()

	var jobs []*MessageJob
	for rows.Next() {
		j, err := scanMessageJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return jobs, nil
}

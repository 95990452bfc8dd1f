package campaign

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/queue"
)

// memStore mimics the conditional updates of db.Repository in memory.
type memStore struct {
	mu        sync.Mutex
	now       func() time.Time
	campaigns map[uuid.UUID]*db.Campaign
	jobs      map[uuid.UUID]*db.MessageJob

	failTransition bool
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:       now,
		campaigns: make(map[uuid.UUID]*db.Campaign),
		jobs:      make(map[uuid.UUID]*db.MessageJob),
	}
}

func cloneCampaign(c *db.Campaign) *db.Campaign {
	cp := *c
	cp.Instances = slices.Clone(c.Instances)
	cp.ContentConfiguration.Messages = slices.Clone(c.ContentConfiguration.Messages)
	return &cp
}

func cloneJob(j *db.MessageJob) *db.MessageJob {
	cp := *j
	cp.Metadata.Contact = maps.Clone(j.Metadata.Contact)
	return &cp
}

func (s *memStore) CreateCampaignWithJobs(ctx context.Context, c *db.Campaign, jobs []*db.MessageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.campaigns[c.ID] = cloneCampaign(c)
	for _, j := range jobs {
		s.jobs[j.ID] = cloneJob(j)
	}
	return nil
}

func (s *memStore) GetCampaign(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, db.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (s *memStore) TransitionCampaign(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok || s.failTransition || !slices.Contains(from, c.Status) {
		return false, nil
	}
	now := s.now()
	c.Status = to
	if to == db.CampaignProcessing && c.StartedAt == nil {
		c.StartedAt = &now
	}
	if to == db.CampaignCancelled || to == db.CampaignCompleted {
		c.CompletedAt = &now
	}
	return true, nil
}

func (s *memStore) UpdateMessageJobStatuses(ctx context.Context, campaignID uuid.UUID, from []string, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, j := range s.jobs {
		if j.CampaignID == campaignID && slices.Contains(from, j.Status) {
			j.Status = to
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListMessageJobsByStatus(ctx context.Context, campaignID uuid.UUID, statuses []string) ([]*db.MessageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.MessageJob
	for _, j := range s.jobs {
		if j.CampaignID == campaignID && slices.Contains(statuses, j.Status) {
			out = append(out, cloneJob(j))
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *memStore) RequeueMessageJobs(ctx context.Context, plan []db.Reschedule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range plan {
		if j, ok := s.jobs[p.ID]; ok && j.Status == db.StatusPaused {
			j.Status = db.StatusQueued
			j.ScheduledFor = p.ScheduledFor
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReplaceMessageJobs(ctx context.Context, campaignID uuid.UUID, remove []uuid.UUID, cfg db.ContentConfiguration, jobs []*db.MessageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range remove {
		if j, ok := s.jobs[id]; ok && j.CampaignID == campaignID && slices.Contains(db.NonTerminalStatuses, j.Status) {
			delete(s.jobs, id)
			deleted++
		}
	}
	c := s.campaigns[campaignID]
	c.ContentConfiguration = cfg
	c.TotalMessages = c.TotalMessages - deleted + len(jobs)
	for _, j := range jobs {
		s.jobs[j.ID] = cloneJob(j)
	}
	return nil
}

func (s *memStore) CompleteCampaignIfDone(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.campaigns[campaignID]
	if c.Status != db.CampaignProcessing {
		return false, nil
	}
	for _, j := range s.jobs {
		if j.CampaignID == campaignID && slices.Contains(db.NonTerminalStatuses, j.Status) {
			return false, nil
		}
	}
	now := s.now()
	c.Status = db.CampaignCompleted
	c.CompletedAt = &now
	return true, nil
}

// campaignJobs returns copies of every row of the campaign in delivery order.
func (s *memStore) campaignJobs(campaignID uuid.UUID) []*db.MessageJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*db.MessageJob
	for _, j := range s.jobs {
		if j.CampaignID == campaignID {
			out = append(out, cloneJob(j))
		}
	}
	sortJobs(out)
	return out
}

func (s *memStore) setJobStatus(id uuid.UUID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = status
}

func sortJobs(jobs []*db.MessageJob) {
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].ScheduledFor.Equal(jobs[b].ScheduledFor) {
			return jobs[a].ScheduledFor.Before(jobs[b].ScheduledFor)
		}
		return jobs[a].ID.String() < jobs[b].ID.String()
	})
}

type fakeGateway struct {
	mu         sync.Mutex
	batches    [][]queue.Job
	cancelled  []string
	enqueueErr error
	cancelErr  error
}

func (g *fakeGateway) EnqueueBatch(ctx context.Context, jobs []queue.Job) ([]queue.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.enqueueErr != nil {
		return nil, g.enqueueErr
	}
	g.batches = append(g.batches, slices.Clone(jobs))
	receipts := make([]queue.Receipt, len(jobs))
	for i, j := range jobs {
		receipts[i] = queue.Receipt{MessageID: j.MessageID, QueueID: "q-" + j.MessageID}
	}
	return receipts, nil
}

func (g *fakeGateway) CancelAllByLabel(ctx context.Context, label string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelled = append(g.cancelled, label)
	return g.cancelErr
}

func (g *fakeGateway) lastBatch() []queue.Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.batches) == 0 {
		return nil
	}
	return g.batches[len(g.batches)-1]
}

type fakeLocker struct {
	held     map[string]bool
	acquired []string
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l.held[key] {
		return "", false, nil
	}
	l.acquired = append(l.acquired, key)
	return "token", true, nil
}

func (l *fakeLocker) Unlock(ctx context.Context, key, token string) error {
	return nil
}

type publishedEvent struct {
	eventType string
	tenantID  string
	payload   any
}

type fakeEvents struct {
	events []publishedEvent
}

func (f *fakeEvents) PublishEvent(ctx context.Context, eventType, tenantID string, payload any) error {
	f.events = append(f.events, publishedEvent{eventType, tenantID, payload})
	return nil
}

type fakeAlerter struct {
	alerts []uuid.UUID
}

func (f *fakeAlerter) AlertStartFailure(ctx context.Context, c *db.Campaign, cause error) error {
	f.alerts = append(f.alerts, c.ID)
	return nil
}

// fixedRand always returns 0, collapsing every gap to its minimum.
type fixedRand struct{}

func (fixedRand) Int64N(n int64) int64 { return 0 }

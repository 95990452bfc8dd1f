package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/campaign"
	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/redis"
)

var (
	tenantA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	tenantB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	ErrDatabaseError = errors.New("database error")
)

// MockStore is an in-memory campaign table
type MockStore struct {
	campaigns map[uuid.UUID]*db.Campaign
	jobs      []*db.MessageJob

	lastStatus string
	lastLimit  int
	lastOffset int

	shouldFail bool
}

func NewMockStore() *MockStore {
	return &MockStore{campaigns: make(map[uuid.UUID]*db.Campaign)}
}

func (m *MockStore) add(tenantID uuid.UUID, status string) *db.Campaign {
	c := &db.Campaign{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Name:          "Promo",
		Status:        status,
		Instances:     []string{"inst-1"},
		TotalMessages: 3,
		CreatedAt:     time.Now(),
	}
	m.campaigns[c.ID] = c
	return c
}

func (m *MockStore) GetCampaign(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	c, ok := m.campaigns[id]
	if !ok || c.TenantID != tenantID {
		return nil, fmt.Errorf("campaign %s: %w", id, db.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MockStore) ListCampaignsByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error) {
	m.lastLimit, m.lastOffset = limit, offset
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var out []*db.Campaign
	for _, c := range m.campaigns {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockStore) ListMessageJobsPage(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*db.MessageJob, error) {
	m.lastStatus, m.lastLimit, m.lastOffset = status, limit, offset
	var out []*db.MessageJob
	for _, j := range m.jobs {
		if j.CampaignID == campaignID && (status == "" || j.Status == status) {
			out = append(out, j)
		}
	}
	return out, nil
}

// MockLifecycle applies transitions straight to the MockStore
type MockLifecycle struct {
	store *MockStore

	startCalls   int
	startErr     error
	persistOnErr bool

	opErr       error
	lastContent db.ContentConfiguration
	lastInput   campaign.CreateInput
}

func (m *MockLifecycle) Start(ctx context.Context, in campaign.CreateInput) (*db.Campaign, error) {
	m.startCalls++
	m.lastInput = in
	if m.startErr != nil {
		if m.persistOnErr {
			return m.store.add(in.TenantID, db.CampaignPending), m.startErr
		}
		return nil, m.startErr
	}
	c := m.store.add(in.TenantID, db.CampaignProcessing)
	c.Name = in.Name
	c.TotalMessages = len(in.Contacts) * len(in.Content.Messages)
	return c, nil
}

func (m *MockLifecycle) set(ctx context.Context, tenantID, id uuid.UUID, status string) (*db.Campaign, error) {
	if m.opErr != nil {
		return nil, m.opErr
	}
	c, err := m.store.GetCampaign(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	m.store.campaigns[id].Status = status
	c.Status = status
	return c, nil
}

func (m *MockLifecycle) Pause(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	return m.set(ctx, tenantID, id, db.CampaignPaused)
}

func (m *MockLifecycle) Resume(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	return m.set(ctx, tenantID, id, db.CampaignProcessing)
}

func (m *MockLifecycle) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*db.Campaign, error) {
	return m.set(ctx, tenantID, id, db.CampaignCancelled)
}

func (m *MockLifecycle) Reprocess(ctx context.Context, tenantID, id uuid.UUID, content db.ContentConfiguration) (*db.Campaign, error) {
	m.lastContent = content
	return m.set(ctx, tenantID, id, db.CampaignProcessing)
}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireTenant)
		r.Post("/campaigns", h.CreateCampaign)
		r.Get("/campaigns", h.ListCampaigns)
		r.Get("/campaigns/{id}", h.GetCampaign)
		r.Get("/campaigns/{id}/messages", h.ListMessages)
		r.Post("/campaigns/{id}/pause", h.PauseCampaign)
		r.Post("/campaigns/{id}/resume", h.ResumeCampaign)
		r.Post("/campaigns/{id}/cancel", h.CancelCampaign)
		r.Put("/campaigns/{id}/content", h.UpdateContent)
		r.Post("/contacts/import", h.ImportContacts)
	})
	return r
}

func newIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("bad miniredis port: %v", err)
	}
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect to miniredis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewIdempotencyService(client, zap.NewNop())
}

func doRequest(t *testing.T, h http.Handler, method, path string, tenantID uuid.UUID, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != uuid.Nil {
		req.Header.Set(TenantHeader, tenantID.String())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
	var p ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("failed to decode problem: %v", err)
	}
	return p
}

func validCreateRequest() CreateCampaignRequest {
	return CreateCampaignRequest{
		Name:      "Black Friday",
		Instances: []string{"inst-1", "inst-2"},
		DelayMin:  10,
		DelayMax:  30,
		Content: ContentRequest{
			Messages: []MessageRequest{{Type: "text", Content: "Oi @nome"}},
		},
		Contacts: []ContactRequest{
			{Phone: "11987654321", Fields: map[string]string{"nome": "Ana"}},
			{Phone: "21998765432", Fields: map[string]string{"nome": "Bruno"}},
		},
	}
}

func TestCreateCampaign(t *testing.T) {
	scheduledNoTime := validCreateRequest()
	scheduledNoTime.IsScheduled = true

	noInstances := validCreateRequest()
	noInstances.Instances = nil

	badType := validCreateRequest()
	badType.Content.Messages[0].Type = "sticker"

	blankPhone := validCreateRequest()
	blankPhone.Contacts = append(blankPhone.Contacts, ContactRequest{Phone: "", Fields: map[string]string{"nome": "Carla"}})

	noContacts := validCreateRequest()
	noContacts.Contacts = []ContactRequest{}

	tests := []struct {
		name           string
		body           any
		startErr       error
		persistOnErr   bool
		expectedStatus int
		expectedType   string
		expectStart    bool
	}{
		{name: "valid", body: validCreateRequest(), expectedStatus: http.StatusCreated, expectStart: true},
		{name: "malformed json", body: "{", expectedStatus: http.StatusBadRequest, expectedType: "invalid_request"},
		{name: "no instances", body: noInstances, expectedStatus: http.StatusBadRequest, expectedType: "validation_error"},
		{name: "scheduled without time", body: scheduledNoTime, expectedStatus: http.StatusBadRequest, expectedType: "validation_error"},
		{name: "unknown message type", body: badType, expectedStatus: http.StatusBadRequest, expectedType: "validation_error"},
		{name: "blank phone reaches the builder", body: blankPhone, expectedStatus: http.StatusCreated, expectStart: true},
		{name: "empty contact list", body: noContacts, expectedStatus: http.StatusBadRequest, expectedType: "validation_error"},
		{
			name:           "controller rejects input",
			body:           validCreateRequest(),
			startErr:       campaign.ErrNoDeliverableContacts,
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
			expectStart:    true,
		},
		{
			name:           "enqueue failure leaves campaign pending",
			body:           validCreateRequest(),
			startErr:       fmt.Errorf("%w: queue responded 503", campaign.ErrEnqueueFailed),
			persistOnErr:   true,
			expectedStatus: http.StatusBadGateway,
			expectedType:   "enqueue_failed",
			expectStart:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMockStore()
			lc := &MockLifecycle{store: store, startErr: tt.startErr, persistOnErr: tt.persistOnErr}
			router := newTestRouter(NewHandler(zap.NewNop(), store, lc))

			rec := doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, tt.body, nil)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if got := lc.startCalls == 1; got != tt.expectStart {
				t.Errorf("start called = %v, want %v", got, tt.expectStart)
			}
			if tt.expectedType != "" {
				p := decodeProblem(t, rec)
				if p.Type != tt.expectedType {
					t.Errorf("expected problem type %s, got %s", tt.expectedType, p.Type)
				}
				if tt.persistOnErr && p.CampaignStatus != db.CampaignPending {
					t.Errorf("expected persisted status pending, got %q", p.CampaignStatus)
				}
			}
		})
	}
}

func TestCreateCampaign_KeepsBlankPhoneContacts(t *testing.T) {
	store := NewMockStore()
	lc := &MockLifecycle{store: store}
	router := newTestRouter(NewHandler(zap.NewNop(), store, lc))

	req := validCreateRequest()
	req.Contacts = append(req.Contacts, ContactRequest{Phone: "  ", Fields: map[string]string{"nome": "Carla"}})

	rec := doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, req, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if lc.startCalls != 1 {
		t.Fatalf("expected one start, got %d", lc.startCalls)
	}
	if len(lc.lastInput.Contacts) != 3 {
		t.Errorf("expected all 3 contacts handed to the controller, got %d", len(lc.lastInput.Contacts))
	}
}

func TestCreateCampaign_MapsRequest(t *testing.T) {
	store := NewMockStore()
	lc := &MockLifecycle{store: store}
	router := newTestRouter(NewHandler(zap.NewNop(), store, lc))

	req := validCreateRequest()
	at := time.Date(2026, 11, 27, 9, 0, 0, 0, time.UTC)
	req.IsScheduled = true
	req.ScheduledFor = &at

	rec := doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, req, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	in := lc.lastInput
	if in.TenantID != tenantA {
		t.Errorf("tenant not taken from header: %s", in.TenantID)
	}
	if !in.IsScheduled || in.ScheduledFor == nil || !in.ScheduledFor.Equal(at) {
		t.Errorf("schedule not mapped: %v %v", in.IsScheduled, in.ScheduledFor)
	}
	if len(in.Contacts) != 2 || in.Contacts[0].Fields["nome"] != "Ana" {
		t.Errorf("contacts not mapped: %+v", in.Contacts)
	}
	if in.DelayMin != 10 || in.DelayMax != 30 {
		t.Errorf("delay range not mapped: %d-%d", in.DelayMin, in.DelayMax)
	}

	var c db.Campaign
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("failed to decode campaign: %v", err)
	}
	if c.Status != db.CampaignProcessing || c.TotalMessages != 2 {
		t.Errorf("unexpected campaign %+v", c)
	}
}

func TestCreateCampaign_IdempotencyReplay(t *testing.T) {
	store := NewMockStore()
	lc := &MockLifecycle{store: store}
	router := newTestRouter(NewHandlerWithIdempotency(zap.NewNop(), store, lc, newIdempotency(t)))
	headers := map[string]string{"Idempotency-Key": "create-1"}

	first := doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, validCreateRequest(), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	var created db.Campaign
	_ = json.NewDecoder(first.Body).Decode(&created)

	second := doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, validCreateRequest(), headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected X-Idempotency-Replayed header")
	}
	var replayed db.Campaign
	_ = json.NewDecoder(second.Body).Decode(&replayed)
	if replayed.ID != created.ID {
		t.Errorf("replay returned %s, want %s", replayed.ID, created.ID)
	}
	if lc.startCalls != 1 {
		t.Errorf("expected one start, got %d", lc.startCalls)
	}

	// same key, other tenant: independent
	other := doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantB, validCreateRequest(), headers)
	if other.Code != http.StatusCreated || other.Header().Get("X-Idempotency-Replayed") != "" {
		t.Errorf("other tenant should not replay: %d", other.Code)
	}
}

func TestCreateCampaign_IdempotencyReleasedWhenNothingPersisted(t *testing.T) {
	store := NewMockStore()
	lc := &MockLifecycle{store: store, startErr: campaign.ErrNoDeliverableContacts}
	router := newTestRouter(NewHandlerWithIdempotency(zap.NewNop(), store, lc, newIdempotency(t)))
	headers := map[string]string{"Idempotency-Key": "create-2"}

	rec := doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, validCreateRequest(), headers)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	lc.startErr = nil
	rec = doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, validCreateRequest(), headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry after fix should create, got %d", rec.Code)
	}
	if lc.startCalls != 2 {
		t.Errorf("expected two starts, got %d", lc.startCalls)
	}
}

func TestCreateCampaign_IdempotencyReplaysEnqueueFailure(t *testing.T) {
	store := NewMockStore()
	lc := &MockLifecycle{store: store, startErr: campaign.ErrEnqueueFailed, persistOnErr: true}
	router := newTestRouter(NewHandlerWithIdempotency(zap.NewNop(), store, lc, newIdempotency(t)))
	headers := map[string]string{"Idempotency-Key": "create-3"}

	doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, validCreateRequest(), headers)
	rec := doRequest(t, router, http.MethodPost, "/v1/campaigns", tenantA, validCreateRequest(), headers)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected replayed 502, got %d", rec.Code)
	}
	p := decodeProblem(t, rec)
	if p.CampaignStatus != db.CampaignPending || p.CampaignID == "" {
		t.Errorf("unexpected replay problem %+v", p)
	}
	if lc.startCalls != 1 {
		t.Errorf("a persisted campaign must not be created twice, got %d starts", lc.startCalls)
	}
}

func TestRequireTenant(t *testing.T) {
	store := NewMockStore()
	router := newTestRouter(NewHandler(zap.NewNop(), store, &MockLifecycle{store: store}))

	rec := doRequest(t, router, http.MethodGet, "/v1/campaigns", uuid.Nil, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing tenant: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/campaigns", uuid.Nil, nil, map[string]string{TenantHeader: "acme"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid tenant: expected 400, got %d", rec.Code)
	}
}

func TestGetCampaign(t *testing.T) {
	store := NewMockStore()
	c := store.add(tenantA, db.CampaignProcessing)
	router := newTestRouter(NewHandler(zap.NewNop(), store, &MockLifecycle{store: store}))

	tests := []struct {
		name           string
		path           string
		tenant         uuid.UUID
		expectedStatus int
	}{
		{"found", "/v1/campaigns/" + c.ID.String(), tenantA, http.StatusOK},
		{"other tenant", "/v1/campaigns/" + c.ID.String(), tenantB, http.StatusNotFound},
		{"unknown id", "/v1/campaigns/" + uuid.NewString(), tenantA, http.StatusNotFound},
		{"invalid id", "/v1/campaigns/not-a-uuid", tenantA, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodGet, tt.path, tt.tenant, nil, nil)
			if rec.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}

	store.shouldFail = true
	rec := doRequest(t, router, http.MethodGet, "/v1/campaigns/"+c.ID.String(), tenantA, nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store failure: expected 500, got %d", rec.Code)
	}
}

func TestListCampaigns(t *testing.T) {
	store := NewMockStore()
	store.add(tenantA, db.CampaignProcessing)
	store.add(tenantA, db.CampaignPaused)
	store.add(tenantB, db.CampaignProcessing)
	router := newTestRouter(NewHandler(zap.NewNop(), store, &MockLifecycle{store: store}))

	rec := doRequest(t, router, http.MethodGet, "/v1/campaigns?limit=500&offset=5", tenantA, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data   []db.Campaign `json:"data"`
		Count  int           `json:"count"`
		Limit  int           `json:"limit"`
		Offset int           `json:"offset"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 campaigns, got %d", resp.Count)
	}
	if resp.Limit != 20 || resp.Offset != 5 {
		t.Errorf("out of range limit should fall back to 20: limit=%d offset=%d", resp.Limit, resp.Offset)
	}

	store.shouldFail = true
	rec = doRequest(t, router, http.MethodGet, "/v1/campaigns", tenantA, nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	store := NewMockStore()
	c := store.add(tenantA, db.CampaignProcessing)
	store.jobs = []*db.MessageJob{
		{ID: uuid.New(), CampaignID: c.ID, Status: db.StatusSent},
		{ID: uuid.New(), CampaignID: c.ID, Status: db.StatusQueued},
		{ID: uuid.New(), CampaignID: c.ID, Status: db.StatusQueued},
	}
	router := newTestRouter(NewHandler(zap.NewNop(), store, &MockLifecycle{store: store}))
	base := "/v1/campaigns/" + c.ID.String() + "/messages"

	rec := doRequest(t, router, http.MethodGet, base+"?status=queued&limit=50", tenantA, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 2 || store.lastStatus != db.StatusQueued || store.lastLimit != 50 {
		t.Errorf("unexpected listing: count=%d status=%q limit=%d", resp.Count, store.lastStatus, store.lastLimit)
	}

	rec = doRequest(t, router, http.MethodGet, base+"?status=delivered", tenantA, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, base, tenantB, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("other tenant: expected 404, got %d", rec.Code)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		name           string
		action         string
		initial        string
		opErr          error
		expectedStatus int
		expectedType   string
		persisted      string
	}{
		{name: "pause", action: "pause", initial: db.CampaignProcessing, expectedStatus: http.StatusOK, persisted: db.CampaignPaused},
		{name: "resume", action: "resume", initial: db.CampaignPaused, expectedStatus: http.StatusOK, persisted: db.CampaignProcessing},
		{name: "cancel", action: "cancel", initial: db.CampaignPaused, expectedStatus: http.StatusOK, persisted: db.CampaignCancelled},
		{
			name: "pause from pending", action: "pause", initial: db.CampaignPending,
			opErr:          fmt.Errorf("%w: cannot pause a pending campaign", campaign.ErrInvalidTransition),
			expectedStatus: http.StatusConflict, expectedType: "conflict", persisted: db.CampaignPending,
		},
		{
			name: "busy", action: "cancel", initial: db.CampaignProcessing,
			opErr:          campaign.ErrBusy,
			expectedStatus: http.StatusConflict, expectedType: "conflict", persisted: db.CampaignProcessing,
		},
		{
			name: "resume enqueue failure keeps paused", action: "resume", initial: db.CampaignPaused,
			opErr:          fmt.Errorf("%w: qstash 503", campaign.ErrEnqueueFailed),
			expectedStatus: http.StatusBadGateway, expectedType: "enqueue_failed", persisted: db.CampaignPaused,
		},
		{
			name: "store failure", action: "pause", initial: db.CampaignProcessing,
			opErr:          ErrDatabaseError,
			expectedStatus: http.StatusInternalServerError, expectedType: "internal_error", persisted: db.CampaignProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMockStore()
			c := store.add(tenantA, tt.initial)
			router := newTestRouter(NewHandler(zap.NewNop(), store, &MockLifecycle{store: store, opErr: tt.opErr}))

			rec := doRequest(t, router, http.MethodPost, "/v1/campaigns/"+c.ID.String()+"/"+tt.action, tenantA, nil, nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedType == "" {
				var got db.Campaign
				if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
					t.Fatalf("failed to decode: %v", err)
				}
				if got.Status != tt.persisted {
					t.Errorf("expected status %s, got %s", tt.persisted, got.Status)
				}
				return
			}

			p := decodeProblem(t, rec)
			if p.Type != tt.expectedType {
				t.Errorf("expected type %s, got %s", tt.expectedType, p.Type)
			}
			if p.CampaignStatus != tt.persisted {
				t.Errorf("expected persisted status %s, got %q", tt.persisted, p.CampaignStatus)
			}
			if tt.expectedStatus == http.StatusInternalServerError && p.Detail != "" {
				t.Errorf("internal errors must not leak detail: %q", p.Detail)
			}
		})
	}
}

func TestLifecycleTransition_NotFound(t *testing.T) {
	store := NewMockStore()
	router := newTestRouter(NewHandler(zap.NewNop(), store, &MockLifecycle{store: store}))

	rec := doRequest(t, router, http.MethodPost, "/v1/campaigns/"+uuid.NewString()+"/pause", tenantA, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if p := decodeProblem(t, rec); p.CampaignStatus != "" {
		t.Errorf("no status for a missing campaign, got %q", p.CampaignStatus)
	}
}

func TestUpdateContent(t *testing.T) {
	store := NewMockStore()
	c := store.add(tenantA, db.CampaignPaused)
	lc := &MockLifecycle{store: store}
	router := newTestRouter(NewHandler(zap.NewNop(), store, lc))
	path := "/v1/campaigns/" + c.ID.String() + "/content"

	media := "https://cdn.example.com/promo.jpg"
	body := ContentRequest{
		UseAI: true,
		Messages: []MessageRequest{
			{Type: "text", Content: "Oi @nome, novidade!"},
			{Type: "image", MediaURL: &media},
		},
	}

	rec := doRequest(t, router, http.MethodPut, path, tenantA, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !lc.lastContent.UseAI || len(lc.lastContent.Messages) != 2 || *lc.lastContent.Messages[1].MediaURL != media {
		t.Errorf("content not passed through: %+v", lc.lastContent)
	}

	tests := []struct {
		name string
		body any
	}{
		{"no messages", ContentRequest{}},
		{"bad media url", ContentRequest{Messages: []MessageRequest{{Type: "image", MediaURL: strPtr("not a url")}}}},
		{"malformed", "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPut, path, tenantA, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func strPtr(s string) *string { return &s }

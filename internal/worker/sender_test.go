package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/queue"
)

func makeTestJob(mediaType string) *queue.Job {
	job := &queue.Job{
		MessageID:      "0f8fad5b-d9cb-469f-a165-70867728950e",
		PhoneNumber:    "5511987654321",
		MessageContent: "Olá Ana, tudo bem?",
		InstanceName:   "vendas-1",
		CampaignID:     "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		TenantID:       "tenant-1",
		Label:          "7c9e6679-7425-40de-944b-e07fc1f90ae7",
	}
	if mediaType != "" {
		job.MediaURL = "https://cdn.example/promo." + mediaType
		job.MediaType = mediaType
	}
	return job
}

func TestMessageType(t *testing.T) {
	tests := []struct {
		name string
		job  *queue.Job
		want string
	}{
		{"text", makeTestJob(""), db.MessageText},
		{"image", makeTestJob(db.MessageImage), db.MessageImage},
		{"video", makeTestJob(db.MessageVideo), db.MessageVideo},
		{"media without type", &queue.Job{MediaURL: "https://cdn.example/x"}, db.MessageImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageType(tt.job); got != tt.want {
				t.Errorf("MessageType() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLogSender_SendText(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	if err := sender.Send(context.Background(), makeTestJob("")); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestLogSender_SendMedia(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	if err := sender.Send(context.Background(), makeTestJob(db.MessageAudio)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestLogSender_UnsupportedType(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	if err := sender.Send(context.Background(), makeTestJob("document")); err == nil {
		t.Error("expected error for unsupported message type")
	}
}

func TestWhatsAppSender_SendText(t *testing.T) {
	var (
		gotPath   string
		gotAPIKey string
		gotBody   sendTextRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("apikey")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"id":"ABC"}}`))
	}))
	defer server.Close()

	sender := NewWhatsAppSender(zap.NewNop(), WhatsAppConfig{BaseURL: server.URL + "/", APIKey: "secret"})
	if err := sender.Send(context.Background(), makeTestJob("")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if gotPath != "/message/sendText/vendas-1" {
		t.Errorf("expected sendText path, got %s", gotPath)
	}
	if gotAPIKey != "secret" {
		t.Errorf("expected apikey header, got %q", gotAPIKey)
	}
	if gotBody.Number != "5511987654321" || gotBody.Text != "Olá Ana, tudo bem?" {
		t.Errorf("unexpected body: %+v", gotBody)
	}
}

func TestWhatsAppSender_SendMedia(t *testing.T) {
	var (
		gotPath string
		gotBody sendMediaRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWhatsAppSender(zap.NewNop(), WhatsAppConfig{BaseURL: server.URL})
	if err := sender.Send(context.Background(), makeTestJob(db.MessageVideo)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if gotPath != "/message/sendMedia/vendas-1" {
		t.Errorf("expected sendMedia path, got %s", gotPath)
	}
	if gotBody.MediaType != db.MessageVideo || gotBody.Media != "https://cdn.example/promo.video" {
		t.Errorf("unexpected media body: %+v", gotBody)
	}
	if gotBody.Caption != "Olá Ana, tudo bem?" {
		t.Errorf("expected content as caption, got %q", gotBody.Caption)
	}
}

func TestWhatsAppSender_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"number not on whatsapp"}`))
	}))
	defer server.Close()

	sender := NewWhatsAppSender(zap.NewNop(), WhatsAppConfig{BaseURL: server.URL})
	err := sender.Send(context.Background(), makeTestJob(""))
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "not on whatsapp") {
		t.Errorf("expected status and body in error, got %v", err)
	}
}

func TestWhatsAppSender_MissingInstance(t *testing.T) {
	sender := NewWhatsAppSender(zap.NewNop(), WhatsAppConfig{BaseURL: "http://unused"})
	job := makeTestJob("")
	job.InstanceName = ""
	if err := sender.Send(context.Background(), job); err == nil {
		t.Error("expected error for missing instance")
	}
}

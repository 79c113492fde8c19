package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ispkit/whatsqueue/internal/db"
	"github.com/ispkit/whatsqueue/internal/whatsapp"
)

// Common test errors
var (
	ErrDatabaseError   = errors.New("database error")
	ErrMessageNotFound = errors.New("message not found")
)

// MockMessageRepo is a fake message store for testing
type MockMessageRepo struct {
	messages map[string]*db.Message

	createCalled  bool
	requeueCalled bool

	shouldFail bool
}

func NewMockMessageRepo() *MockMessageRepo {
	return &MockMessageRepo{messages: make(map[string]*db.Message)}
}

func (m *MockMessageRepo) Create(ctx context.Context, msg *db.Message) error {
	m.createCalled = true
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.messages[msg.ID.String()] = msg
	return nil
}

func (m *MockMessageRepo) Get(ctx context.Context, id uuid.UUID) (*db.Message, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	msg, exists := m.messages[id.String()]
	if !exists {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

func (m *MockMessageRepo) ListByCompany(ctx context.Context, companyID uuid.UUID, status string, limit, offset int) ([]*db.Message, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var result []*db.Message
	for _, msg := range m.messages {
		if msg.CompanyID != companyID {
			continue
		}
		if status != "" && msg.Status != status {
			continue
		}
		result = append(result, msg)
	}
	return result, nil
}

func (m *MockMessageRepo) Requeue(ctx context.Context, id uuid.UUID) error {
	m.requeueCalled = true
	if m.shouldFail {
		return ErrDatabaseError
	}
	msg, exists := m.messages[id.String()]
	if !exists || msg.Status != db.StatusFailedPermanent {
		return fmt.Errorf("message not found or not permanently failed: %s", id)
	}
	msg.Status = db.StatusPending
	msg.RetryCount = 0
	return nil
}

func (m *MockMessageRepo) SoftDelete(ctx context.Context, id uuid.UUID) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	msg, exists := m.messages[id.String()]
	if !exists {
		return ErrMessageNotFound
	}
	msg.IsActive = false
	return nil
}

// MockQuotaRepo returns a canned quota row.
type MockQuotaRepo struct {
	sent       int
	shouldFail bool
}

func (m *MockQuotaRepo) Get(ctx context.Context, companyID uuid.UUID, date time.Time, quotaLimit int) (*db.DailyQuota, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	return &db.DailyQuota{
		CompanyID:    companyID,
		QuotaDate:    date,
		MessagesSent: m.sent,
		QuotaLimit:   quotaLimit,
	}, nil
}

// MockConfigRepo holds one config per company.
type MockConfigRepo struct {
	configs    map[string]*db.CompanyConfig
	testStatus string
	shouldFail bool
}

func NewMockConfigRepo() *MockConfigRepo {
	return &MockConfigRepo{configs: make(map[string]*db.CompanyConfig)}
}

func (m *MockConfigRepo) Get(ctx context.Context, companyID uuid.UUID) (*db.CompanyConfig, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	cfg, exists := m.configs[companyID.String()]
	if !exists {
		return nil, errors.New("config not found")
	}
	return cfg, nil
}

func (m *MockConfigRepo) Upsert(ctx context.Context, cfg *db.CompanyConfig) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.configs[cfg.CompanyID.String()] = cfg
	return nil
}

func (m *MockConfigRepo) RecordConnectionTest(ctx context.Context, companyID uuid.UUID, status string, at time.Time) error {
	m.testStatus = status
	return nil
}

// stubSender scripts the gateway for connection tests.
type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) SendText(ctx context.Context, creds whatsapp.Credentials, mobile, text string) (*whatsapp.SendResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &whatsapp.SendResult{ProviderMessageID: "wamid-test"}, nil
}

func (s *stubSender) SendImage(ctx context.Context, creds whatsapp.Credentials, mobile, imageURL, caption string) (*whatsapp.SendResult, error) {
	return s.SendText(ctx, creds, mobile, caption)
}

func (s *stubSender) SendDocument(ctx context.Context, creds whatsapp.Credentials, mobile, documentURL, caption string) (*whatsapp.SendResult, error) {
	return s.SendText(ctx, creds, mobile, caption)
}

func newTestHandler(messages *MockMessageRepo, quotas *MockQuotaRepo, configs *MockConfigRepo, sender whatsapp.Sender) *Handler {
	return NewHandler(zap.NewNop(), messages, quotas, configs, sender)
}

func seedConfig(configs *MockConfigRepo, companyID uuid.UUID) *db.CompanyConfig {
	cfg := &db.CompanyConfig{
		CompanyID:              companyID,
		APIKey:                 "key",
		ServerAddress:          "http://gateway.local",
		AutoSendInvoices:       true,
		AutoSendDeadlineAlerts: true,
		MessageSendTime:        "09:00",
		DeadlineCheckTime:      "09:00",
		AlertDaysBefore:        2,
		DailyQuotaLimit:        200,
		QuotaBuffer:            5,
		InvoicePriority:        db.PriorityMedium,
		AlertPriority:          db.PriorityHigh,
		CustomPriority:         db.PriorityLow,
	}
	configs.configs[companyID.String()] = cfg
	return cfg
}

func TestCreateMessage(t *testing.T) {
	companyID := uuid.New()
	customerID := uuid.New()

	tests := []struct {
		name       string
		body       map[string]interface{}
		wantStatus int
	}{
		{
			name: "valid text message",
			body: map[string]interface{}{
				"company_id":  companyID.String(),
				"customer_id": customerID.String(),
				"mobile":      "0300-1234567",
				"kind":        "custom",
				"content":     "hello",
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "defaults kind and media_kind",
			body: map[string]interface{}{
				"company_id":  companyID.String(),
				"customer_id": customerID.String(),
				"mobile":      "0300-1234567",
				"content":     "hello",
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "missing content",
			body: map[string]interface{}{
				"company_id":  companyID.String(),
				"customer_id": customerID.String(),
				"mobile":      "0300-1234567",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "invalid kind",
			body: map[string]interface{}{
				"company_id":  companyID.String(),
				"customer_id": customerID.String(),
				"mobile":      "0300-1234567",
				"kind":        "broadcast",
				"content":     "hello",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "image without media_url",
			body: map[string]interface{}{
				"company_id":  companyID.String(),
				"customer_id": customerID.String(),
				"mobile":      "0300-1234567",
				"content":     "caption",
				"media_kind":  "image",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "malformed company_id",
			body: map[string]interface{}{
				"company_id":  "not-a-uuid",
				"customer_id": customerID.String(),
				"mobile":      "0300-1234567",
				"content":     "hello",
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "bad scheduled_at",
			body: map[string]interface{}{
				"company_id":   companyID.String(),
				"customer_id":  customerID.String(),
				"mobile":       "0300-1234567",
				"content":      "hello",
				"scheduled_at": "tomorrow",
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messages := NewMockMessageRepo()
			configs := NewMockConfigRepo()
			seedConfig(configs, companyID)
			h := newTestHandler(messages, &MockQuotaRepo{}, configs, nil)

			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
			rec := httptest.NewRecorder()

			h.CreateMessage(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusCreated {
				var resp MessageResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("decoding response: %v", err)
				}
				if _, err := uuid.Parse(resp.ID); err != nil {
					t.Errorf("response id %q is not a UUID", resp.ID)
				}
			}
		})
	}
}

func TestCreateMessageUsesConfiguredPriority(t *testing.T) {
	companyID := uuid.New()
	messages := NewMockMessageRepo()
	configs := NewMockConfigRepo()
	cfg := seedConfig(configs, companyID)
	cfg.CustomPriority = 42
	h := newTestHandler(messages, &MockQuotaRepo{}, configs, nil)

	body, _ := json.Marshal(map[string]string{
		"company_id":  companyID.String(),
		"customer_id": uuid.New().String(),
		"mobile":      "0300-1234567",
		"content":     "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateMessage(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	for _, msg := range messages.messages {
		if msg.Priority != 42 {
			t.Errorf("priority = %d, want the company default 42", msg.Priority)
		}
	}
}

func TestCreateMessageDatabaseError(t *testing.T) {
	companyID := uuid.New()
	messages := NewMockMessageRepo()
	messages.shouldFail = true
	configs := NewMockConfigRepo()
	seedConfig(configs, companyID)
	h := newTestHandler(messages, &MockQuotaRepo{}, configs, nil)

	body, _ := json.Marshal(map[string]string{
		"company_id":  companyID.String(),
		"customer_id": uuid.New().String(),
		"mobile":      "0300-1234567",
		"content":     "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.CreateMessage(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestGetMessage(t *testing.T) {
	companyID := uuid.New()
	messages := NewMockMessageRepo()
	msg := &db.Message{ID: uuid.New(), CompanyID: companyID, Status: db.StatusPending}
	messages.messages[msg.ID.String()] = msg
	h := newTestHandler(messages, &MockQuotaRepo{}, NewMockConfigRepo(), nil)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/messages/"+msg.ID.String(), nil), "id", msg.ID.String())
	rec := httptest.NewRecorder()
	h.GetMessage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	req = withURLParam(httptest.NewRequest(http.MethodGet, "/v1/messages/"+uuid.New().String(), nil), "id", uuid.New().String())
	rec = httptest.NewRecorder()
	h.GetMessage(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d for unknown id, want 404", rec.Code)
	}
}

func TestListMessagesFiltersByStatus(t *testing.T) {
	companyID := uuid.New()
	messages := NewMockMessageRepo()
	for _, status := range []string{db.StatusPending, db.StatusSent, db.StatusFailed} {
		id := uuid.New()
		messages.messages[id.String()] = &db.Message{ID: id, CompanyID: companyID, Status: status}
	}
	h := newTestHandler(messages, &MockQuotaRepo{}, NewMockConfigRepo(), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/messages?company_id="+companyID.String()+"&status=failed", nil)
	rec := httptest.NewRecorder()
	h.ListMessages(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestListMessagesRejectsBadStatus(t *testing.T) {
	h := newTestHandler(NewMockMessageRepo(), &MockQuotaRepo{}, NewMockConfigRepo(), nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/messages?company_id="+uuid.New().String()+"&status=queued", nil)
	rec := httptest.NewRecorder()
	h.ListMessages(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRequeueMessage(t *testing.T) {
	messages := NewMockMessageRepo()
	parked := &db.Message{ID: uuid.New(), Status: db.StatusFailedPermanent, RetryCount: 3}
	sent := &db.Message{ID: uuid.New(), Status: db.StatusSent}
	messages.messages[parked.ID.String()] = parked
	messages.messages[sent.ID.String()] = sent
	h := newTestHandler(messages, &MockQuotaRepo{}, NewMockConfigRepo(), nil)

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/v1/messages/"+parked.ID.String()+"/requeue", nil), "id", parked.ID.String())
	rec := httptest.NewRecorder()
	h.RequeueMessage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if parked.Status != db.StatusPending || parked.RetryCount != 0 {
		t.Errorf("message after requeue = %+v, want pending with zero retries", parked)
	}

	// A sent message is not requeueable.
	req = withURLParam(httptest.NewRequest(http.MethodPost, "/v1/messages/"+sent.ID.String()+"/requeue", nil), "id", sent.ID.String())
	rec = httptest.NewRecorder()
	h.RequeueMessage(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d for sent message, want 409", rec.Code)
	}
}

func TestGetQuota(t *testing.T) {
	companyID := uuid.New()
	configs := NewMockConfigRepo()
	seedConfig(configs, companyID)
	h := newTestHandler(NewMockMessageRepo(), &MockQuotaRepo{sent: 194}, configs, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota?company_id="+companyID.String(), nil)
	rec := httptest.NewRecorder()
	h.GetQuota(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp QuotaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.MessagesSent != 194 || resp.QuotaLimit != 200 || resp.Remaining != 1 {
		t.Errorf("quota = %+v, want 194 sent of 200 with 1 remaining", resp)
	}
}

func TestPutConfigValidation(t *testing.T) {
	companyID := uuid.New()

	tests := []struct {
		name       string
		body       map[string]interface{}
		wantStatus int
	}{
		{
			name: "valid",
			body: map[string]interface{}{
				"api_key":             "key",
				"server_address":      "http://gateway.local",
				"message_send_time":   "09:00",
				"deadline_check_time": "09:00",
				"daily_quota_limit":   200,
				"quota_buffer":        5,
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "missing api_key",
			body: map[string]interface{}{
				"server_address":      "http://gateway.local",
				"message_send_time":   "09:00",
				"deadline_check_time": "09:00",
				"daily_quota_limit":   200,
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "bad send time",
			body: map[string]interface{}{
				"api_key":             "key",
				"server_address":      "http://gateway.local",
				"message_send_time":   "9am",
				"deadline_check_time": "09:00",
				"daily_quota_limit":   200,
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "buffer swallows quota",
			body: map[string]interface{}{
				"api_key":             "key",
				"server_address":      "http://gateway.local",
				"message_send_time":   "09:00",
				"deadline_check_time": "09:00",
				"daily_quota_limit":   100,
				"quota_buffer":        100,
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configs := NewMockConfigRepo()
			h := newTestHandler(NewMockMessageRepo(), &MockQuotaRepo{}, configs, nil)

			body, _ := json.Marshal(tt.body)
			req := withURLParam(httptest.NewRequest(http.MethodPut, "/v1/config/"+companyID.String(), bytes.NewReader(body)), "company_id", companyID.String())
			rec := httptest.NewRecorder()
			h.PutConfig(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestGetConfigRedactsAPIKey(t *testing.T) {
	companyID := uuid.New()
	configs := NewMockConfigRepo()
	seedConfig(configs, companyID)
	h := newTestHandler(NewMockMessageRepo(), &MockQuotaRepo{}, configs, nil)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/config/"+companyID.String(), nil), "company_id", companyID.String())
	rec := httptest.NewRecorder()
	h.GetConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if key, _ := resp["api_key"].(string); key != "" {
		t.Errorf("api_key = %q in response, want redacted", key)
	}
}

func TestConnectionTest(t *testing.T) {
	companyID := uuid.New()

	makeReq := func() *http.Request {
		body, _ := json.Marshal(map[string]string{"mobile": "0300-1234567"})
		return withURLParam(httptest.NewRequest(http.MethodPost, "/v1/config/"+companyID.String()+"/test", bytes.NewReader(body)), "company_id", companyID.String())
	}

	t.Run("success records connected", func(t *testing.T) {
		configs := NewMockConfigRepo()
		seedConfig(configs, companyID)
		sender := &stubSender{}
		h := newTestHandler(NewMockMessageRepo(), &MockQuotaRepo{}, configs, sender)

		rec := httptest.NewRecorder()
		h.TestConnection(rec, makeReq())

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
		}
		if sender.calls != 1 {
			t.Errorf("sender calls = %d, want 1", sender.calls)
		}
		if configs.testStatus != "connected" {
			t.Errorf("recorded status = %q, want connected", configs.testStatus)
		}
	})

	t.Run("gateway failure records failed", func(t *testing.T) {
		configs := NewMockConfigRepo()
		seedConfig(configs, companyID)
		sender := &stubSender{err: errors.New("gateway returned status 502")}
		h := newTestHandler(NewMockMessageRepo(), &MockQuotaRepo{}, configs, sender)

		rec := httptest.NewRecorder()
		h.TestConnection(rec, makeReq())

		if rec.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", rec.Code)
		}
		if configs.testStatus != "failed" {
			t.Errorf("recorded status = %q, want failed", configs.testStatus)
		}
	})

	t.Run("no sender configured", func(t *testing.T) {
		configs := NewMockConfigRepo()
		seedConfig(configs, companyID)
		h := newTestHandler(NewMockMessageRepo(), &MockQuotaRepo{}, configs, nil)

		rec := httptest.NewRecorder()
		h.TestConnection(rec, makeReq())
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
	})
}

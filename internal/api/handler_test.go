package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/auth"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/oauth"
	"github.com/lalithlochan/courier/internal/worker"
)

const (
	testSessionSecret = "api-session-secret"
	testWorkerToken   = "worker-token"
)

type fakeDispatcher struct {
	summary worker.Summary
	err     error
	calls   []string
}

func (f *fakeDispatcher) Run(_ context.Context, channel string) (worker.Summary, error) {
	f.calls = append(f.calls, channel)
	return f.summary, f.err
}

type fakeOAuth struct {
	startURL    string
	startErr    error
	callbackURL string
	callbackErr error
	gotSession  auth.Session
	gotReturn   string
}

func (f *fakeOAuth) Start(s auth.Session, _ string, returnURL string) (string, error) {
	f.gotSession = s
	f.gotReturn = returnURL
	return f.startURL, f.startErr
}

func (f *fakeOAuth) Callback(_ context.Context, _, _, _, _ string) (string, error) {
	return f.callbackURL, f.callbackErr
}

type fakeStore struct {
	mu sync.Mutex

	fanOut      db.FanOutResult
	pushCount   int
	calendarID  uuid.UUID
	calendarErr error
	job         *db.DeliveryJob
	err         error

	eventTenant uuid.UUID
	chatPayload json.RawMessage
	jobLookup   []uuid.UUID

	billing map[string]*db.BillingEvent
	emails  map[string]*db.InboundEmail
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		billing: make(map[string]*db.BillingEvent),
		emails:  make(map[string]*db.InboundEmail),
	}
}

func (f *fakeStore) EnqueueEvent(_ context.Context, tenantID uuid.UUID, _ string, _, chat json.RawMessage) (db.FanOutResult, error) {
	f.eventTenant = tenantID
	f.chatPayload = chat
	return f.fanOut, f.err
}

func (f *fakeStore) EnqueuePush(context.Context, uuid.UUID, uuid.UUID, string, json.RawMessage) (int, error) {
	return f.pushCount, f.err
}

func (f *fakeStore) EnqueueCalendar(context.Context, uuid.UUID, string, string, json.RawMessage) (uuid.UUID, error) {
	return f.calendarID, f.calendarErr
}

func (f *fakeStore) GetJob(_ context.Context, _ db.Channel, tenantID, id uuid.UUID) (*db.DeliveryJob, error) {
	f.jobLookup = []uuid.UUID{tenantID, id}
	if f.job == nil || f.job.TenantID != tenantID || f.job.ID != id {
		return nil, db.ErrNotFound
	}
	return f.job, nil
}

func (f *fakeStore) RecordBillingEvent(_ context.Context, ev *db.BillingEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.billing[ev.ProviderEventID]; ok {
		return false, nil
	}
	f.billing[ev.ProviderEventID] = ev
	return true, nil
}

func (f *fakeStore) RecordInboundEmail(_ context.Context, email *db.InboundEmail) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.emails[email.MessageID]; ok {
		return false, nil
	}
	f.emails[email.MessageID] = email
	return true, nil
}

type testEnv struct {
	router     http.Handler
	handler    *Handler
	dispatcher *fakeDispatcher
	oauth      *fakeOAuth
	store      *fakeStore
	sessions   *auth.Verifier
}

func newTestEnv(t *testing.T, replay ReplayGuard) *testEnv {
	t.Helper()
	env := &testEnv{
		dispatcher: &fakeDispatcher{},
		oauth:      &fakeOAuth{},
		store:      newFakeStore(),
		sessions:   auth.NewVerifier(testSessionSecret),
	}
	env.handler = NewHandler(zap.NewNop(), Deps{
		Dispatcher: env.dispatcher,
		OAuth:      env.oauth,
		Store:      env.store,
		Replay:     replay,
		Inbound: InboundConfig{
			StripeSecret: testStripeSecret,
			SvixSecret:   testSvixSecret,
			Tolerance:    5 * time.Minute,
		},
	})
	env.router = NewRouter(env.handler, RouterConfig{
		Sessions:    env.sessions,
		WorkerToken: testWorkerToken,
	}, zap.NewNop())
	return env
}

func (e *testEnv) token(t *testing.T, s auth.Session) string {
	t.Helper()
	tok, err := e.sessions.Issue(s, time.Hour)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return tok
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return resp
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name         string
		token        string
		dispatchErr  error
		expectStatus int
	}{
		{"success", testWorkerToken, nil, http.StatusOK},
		{"missing token", "", nil, http.StatusUnauthorized},
		{"wrong token", "nope", nil, http.StatusUnauthorized},
		{"unknown channel", testWorkerToken, db.ErrUnknownChannel, http.StatusNotFound},
		{"not configured", testWorkerToken, worker.ErrChannelNotConfigured, http.StatusInternalServerError},
		{"store failure", testWorkerToken, errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.dispatcher.summary = worker.Summary{Channel: db.ChannelWebhook, Processed: 3}
			env.dispatcher.err = tt.dispatchErr

			req := httptest.NewRequest(http.MethodPost, "/internal/dispatch/webhook", nil)
			if tt.token != "" {
				req.Header.Set(HeaderWorkerToken, tt.token)
			}
			rr := env.do(req)

			if rr.Code != tt.expectStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectStatus, rr.Code, rr.Body.String())
			}
			if tt.expectStatus == http.StatusOK {
				var summary worker.Summary
				json.NewDecoder(rr.Body).Decode(&summary)
				if summary.Processed != 3 || summary.Channel != db.ChannelWebhook {
					t.Errorf("unexpected summary: %+v", summary)
				}
				if len(env.dispatcher.calls) != 1 || env.dispatcher.calls[0] != "webhook" {
					t.Errorf("unexpected dispatcher calls: %v", env.dispatcher.calls)
				}
			}
			if tt.expectStatus == http.StatusUnauthorized && len(env.dispatcher.calls) != 0 {
				t.Error("dispatcher must not run without a valid token")
			}
		})
	}
}

func TestDispatch_TokenQueryParam(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(httptest.NewRequest(http.MethodPost, "/internal/dispatch/chat?token="+testWorkerToken, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestPublishEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.fanOut = db.FanOutResult{Webhook: 2, Chat: 1}
	session := auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleMember}

	body := `{"event_type":"booking.created","data":{"booking_id":"b-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+env.token(t, session))
	rr := env.do(req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp EventResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Jobs.Webhook != 2 || resp.Jobs.Chat != 1 {
		t.Errorf("unexpected fan-out: %+v", resp.Jobs)
	}
	if env.store.eventTenant != session.TenantID {
		t.Errorf("event must be scoped to the session tenant")
	}
	if string(env.store.chatPayload) != `{"title":"","text":"booking.created"}` {
		t.Errorf("unexpected default chat payload: %s", env.store.chatPayload)
	}
}

func TestPublishEvent_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"event_type":`},
		{"missing event type", `{"data":{}}`},
		{"missing data", `{"event_type":"x"}`},
		{"invalid chat", `{"event_type":"x","data":{},"chat":{"url":"not a url"}}`},
	}

	env := newTestEnv(t, nil)
	token := env.token(t, auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleMember})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+token)
			rr := env.do(req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			decodeProblem(t, rr)
		})
	}
}

func TestProducerRoutes_RequireSession(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/v1/events", "/v1/push", "/v1/calendar-events"} {
		rr := env.do(httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`)))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestEnqueuePush(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.pushCount = 2
	token := env.token(t, auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleMember})

	body := `{"user_id":"` + uuid.NewString() + `","event_type":"reminder","notification":{"title":"Hi","body":"Doors open at 9"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/push", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := env.do(req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	bad := `{"user_id":"not-a-uuid","event_type":"reminder","notification":{"body":"x"}}`
	req = httptest.NewRequest(http.MethodPost, "/v1/push", strings.NewReader(bad))
	req.Header.Set("Authorization", "Bearer "+token)
	if rr := env.do(req); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad user id, got %d", rr.Code)
	}
}

func TestEnqueueCalendarEvent(t *testing.T) {
	token := func(env *testEnv) string {
		return env.token(t, auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleMember})
	}
	valid := `{"provider":"google","event_type":"booking.confirmed","event":{"summary":"Set","start":"2026-04-01T19:00:00Z","end":"2026-04-01T21:00:00Z"}}`

	t.Run("enqueued", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.calendarID = uuid.New()
		req := httptest.NewRequest(http.MethodPost, "/v1/calendar-events", strings.NewReader(valid))
		req.Header.Set("Authorization", "Bearer "+token(env))
		rr := env.do(req)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), env.store.calendarID.String()) {
			t.Errorf("response should carry job id: %s", rr.Body.String())
		}
	})

	t.Run("not connected", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.calendarErr = db.ErrNotFound
		req := httptest.NewRequest(http.MethodPost, "/v1/calendar-events", strings.NewReader(valid))
		req.Header.Set("Authorization", "Bearer "+token(env))
		rr := env.do(req)
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rr.Code)
		}
		if p := decodeProblem(t, rr); p.Type != "calendar_not_connected" {
			t.Errorf("unexpected problem type %q", p.Type)
		}
	})

	t.Run("end before start", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body := `{"provider":"google","event_type":"x","event":{"summary":"Set","start":"2026-04-01T19:00:00Z","end":"2026-04-01T18:00:00Z"}}`
		req := httptest.NewRequest(http.MethodPost, "/v1/calendar-events", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token(env))
		if rr := env.do(req); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		env := newTestEnv(t, nil)
		body := strings.Replace(valid, "google", "yahoo", 1)
		req := httptest.NewRequest(http.MethodPost, "/v1/calendar-events", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token(env))
		if rr := env.do(req); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})
}

func TestGetDelivery_TenantScoped(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleMember}
	other := auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleOwner}
	env.store.job = &db.DeliveryJob{
		ID:       uuid.New(),
		TenantID: owner.TenantID,
		Channel:  db.ChannelWebhook,
		Status:   db.StatusFailed,
	}
	path := "/v1/deliveries/webhook/" + env.store.job.ID.String()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, owner))
	rr := env.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var job db.DeliveryJob
	json.NewDecoder(rr.Body).Decode(&job)
	if job.ID != env.store.job.ID {
		t.Errorf("unexpected job %s", job.ID)
	}

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, other))
	if rr := env.do(req); rr.Code != http.StatusNotFound {
		t.Errorf("another tenant must get 404, got %d", rr.Code)
	}
}

func TestGetDelivery_BadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.token(t, auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleMember})

	tests := []struct {
		path         string
		expectStatus int
	}{
		{"/v1/deliveries/fax/" + uuid.NewString(), http.StatusNotFound},
		{"/v1/deliveries/webhook/invalid-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		if rr := env.do(req); rr.Code != tt.expectStatus {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.expectStatus, rr.Code)
		}
	}
}

func TestOAuthStart(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectStatus int
	}{
		{"redirects", nil, http.StatusFound},
		{"unknown provider", oauth.ErrUnknownProvider, http.StatusNotFound},
		{"forbidden", oauth.ErrForbidden, http.StatusForbidden},
		{"bad return url", oauth.ErrInvalidReturnURL, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.oauth.startURL = "https://accounts.example.com/auth?state=abc"
			env.oauth.startErr = tt.err
			session := auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleOwner}

			req := httptest.NewRequest(http.MethodGet, "/v1/oauth/google/start?return_to=/settings", nil)
			req.Header.Set("Authorization", "Bearer "+env.token(t, session))
			rr := env.do(req)

			if rr.Code != tt.expectStatus {
				t.Fatalf("expected %d, got %d", tt.expectStatus, rr.Code)
			}
			if tt.err == nil {
				if loc := rr.Header().Get("Location"); loc != env.oauth.startURL {
					t.Errorf("unexpected Location %q", loc)
				}
				if env.oauth.gotSession != session || env.oauth.gotReturn != "/settings" {
					t.Errorf("handshake got session=%+v return=%q", env.oauth.gotSession, env.oauth.gotReturn)
				}
			}
		})
	}
}

func TestOAuthCallback(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectStatus int
	}{
		{"redirects", nil, http.StatusFound},
		{"invalid state", oauth.ErrStateSignature, http.StatusBadRequest},
		{"unknown provider", oauth.ErrUnknownProvider, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.oauth.callbackURL = "https://app.example.com/settings?connected=google"
			env.oauth.callbackErr = tt.err

			// No session: the callback is reached from the provider redirect.
			rr := env.do(httptest.NewRequest(http.MethodGet, "/v1/oauth/google/callback?code=c&state=s", nil))
			if rr.Code != tt.expectStatus {
				t.Fatalf("expected %d, got %d", tt.expectStatus, rr.Code)
			}
			if tt.err == nil && rr.Header().Get("Location") != env.oauth.callbackURL {
				t.Errorf("unexpected Location %q", rr.Header().Get("Location"))
			}
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestOAuthStart_MemberForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	member := auth.Session{TenantID: uuid.New(), UserID: uuid.New(), Role: auth.RoleMember}

	req := httptest.NewRequest(http.MethodGet, "/v1/oauth/google/start", nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, member))
	if rr := env.do(req); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if env.oauth.gotSession != (auth.Session{}) {
		t.Error("handshake must not run for a member")
	}
}

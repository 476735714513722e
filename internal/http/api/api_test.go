package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CreditMeter/internal/alerts"
	"github.com/router-for-me/CreditMeter/internal/db"
	adminhandlers "github.com/router-for-me/CreditMeter/internal/http/api/admin/handlers"
	"github.com/router-for-me/CreditMeter/internal/identity"
	"github.com/router-for-me/CreditMeter/internal/ledger"
	"github.com/router-for-me/CreditMeter/internal/metrics"
	"github.com/router-for-me/CreditMeter/internal/ratelimit"
	"github.com/router-for-me/CreditMeter/internal/store"
	"github.com/router-for-me/CreditMeter/internal/usage"
)

const testSecret = "router-test-secret"

var testNow = time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

const testStorageTimeout = 200 * time.Millisecond

type fakeDispatcher struct {
	err   error
	calls int
}

func (d *fakeDispatcher) Dispatch(context.Context, []alerts.Alert) error {
	d.calls++
	return d.err
}

// brokenLedger fails every call that touches storage.
type brokenLedger struct{ ledger.Ledger }

func (brokenLedger) SumSince(context.Context, identity.Identity, string, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func (brokenLedger) AppendIfWithin(context.Context, ledger.Event, time.Time, int64) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}

func (brokenLedger) Ping(context.Context) error {
	return errors.New("connection refused")
}

// hangingLedger blocks admin reads until the context ends.
type hangingLedger struct{ ledger.Ledger }

func (hangingLedger) Totals(ctx context.Context, _ ledger.TotalsQuery) ([]ledger.Total, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingLedger) Events(ctx context.Context, _ identity.Identity, _ ledger.EventQuery) ([]ledger.Event, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func openTestStore(t *testing.T) ledger.Ledger {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "creditmeter-api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return store.NewGormLedger(conn)
}

type testEnv struct {
	router     *gin.Engine
	store      ledger.Ledger
	dispatcher *fakeDispatcher
}

func newTestEnv(t *testing.T, store ledger.Ledger) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	roles := identity.RoleLookupFunc(func(_ context.Context, userID string) (identity.Role, error) {
		if userID == "admin-1" {
			return identity.RoleAdmin, nil
		}
		return identity.RoleUser, nil
	})
	nowFn := func() time.Time { return testNow }
	resolver, err := identity.NewResolver(identity.Config{Secret: testSecret}, roles, nowFn)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	table, err := ratelimit.NewPolicyTable([]ratelimit.Policy{{Action: "ask_question", Limit: 3, Window: time.Hour}})
	if err != nil {
		t.Fatalf("NewPolicyTable: %v", err)
	}
	m := metrics.New()
	limiter := ratelimit.NewLimiter(store, table, ratelimit.Options{NowFn: nowFn, Metrics: m})
	dispatcher := &fakeDispatcher{}
	job := alerts.NewJob(alerts.NewScanner(store, alerts.Config{Timeout: testStorageTimeout}, nowFn, m), dispatcher)

	router := NewRouter(Deps{
		Resolver: resolver,
		Usage:    usage.NewService(limiter),
		Alerts:   job,
		Ledger:   store,
		Metrics:  m,
		Checks:   map[string]adminhandlers.Pinger{"ledger": store},

		StorageTimeout: testStorageTimeout,
	})
	return &testEnv{router: router, store: store, dispatcher: dispatcher}
}

func signedToken(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := identity.SignToken(identity.Config{Secret: testSecret}, userID, email, time.Hour, testNow)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func consumeBody(credits int) map[string]any {
	return map[string]any{"endpoint": "consumeCredits", "action": "ask_question", "credits": credits}
}

func TestCredits_FourthConsumeIsRateLimited(t *testing.T) {
	env := newTestEnv(t, ledger.NewMemoryLedger())
	headers := map[string]string{"Authorization": "Bearer " + signedToken(t, "user-1", "one@example.com")}

	wantStatus := []int{http.StatusOK, http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	var last map[string]any
	var lastRec *httptest.ResponseRecorder
	for i, want := range wantStatus {
		rec, body := env.do(t, http.MethodPost, "/v1/credits", headers, consumeBody(1))
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d (%s)", i+1, want, rec.Code, rec.Body.String())
		}
		if want == http.StatusOK {
			data, _ := body["data"].(map[string]any)
			if body["success"] != true || data["remainingCredits"] != float64(2-i) || data["userId"] != "user-1" {
				t.Fatalf("request %d: unexpected body %v", i+1, body)
			}
		}
		last, lastRec = body, rec
	}

	if last["success"] != false || last["error"] != "Rate limit exceeded" {
		t.Fatalf("unexpected 429 body %v", last)
	}
	if last["limit"] != float64(3) || last["userCount"] != float64(4) {
		t.Fatalf("expected limit=3 userCount=4, got %v", last)
	}
	if got := lastRec.Header().Get("Retry-After"); got != "3600" {
		t.Fatalf("expected Retry-After=3600, got %q", got)
	}
	if lastRec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestCredits_GuestsAndUsersAreIndependent(t *testing.T) {
	env := newTestEnv(t, ledger.NewMemoryLedger())
	guest := map[string]string{"X-Device-Fingerprint": strings.Repeat("f", 32)}
	user := map[string]string{"Authorization": "Bearer " + signedToken(t, "user-2", "")}

	if rec, _ := env.do(t, http.MethodPost, "/v1/credits", guest, consumeBody(3)); rec.Code != http.StatusOK {
		t.Fatalf("guest consume: %d %s", rec.Code, rec.Body.String())
	}
	if rec, _ := env.do(t, http.MethodPost, "/v1/credits", guest, consumeBody(1)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected guest to be limited, got %d", rec.Code)
	}
	rec, body := env.do(t, http.MethodPost, "/v1/credits", user, map[string]any{"endpoint": "checkQuota", "action": "ask_question"})
	if rec.Code != http.StatusOK {
		t.Fatalf("check quota: %d %s", rec.Code, rec.Body.String())
	}
	data, _ := body["data"].(map[string]any)
	if data["used"] != float64(0) || data["remainingCredits"] != float64(3) || data["windowSeconds"] != float64(3600) {
		t.Fatalf("expected untouched user quota, got %v", data)
	}
}

func TestCredits_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t, ledger.NewMemoryLedger())
	guest := map[string]string{"X-Device-Fingerprint": strings.Repeat("a", 32)}

	cases := []struct {
		name    string
		headers map[string]string
		body    any
		want    int
	}{
		{"no credentials", nil, consumeBody(1), http.StatusBadRequest},
		{"bad scheme", map[string]string{"Authorization": "Basic abc"}, consumeBody(1), http.StatusUnauthorized},
		{"invalid token", map[string]string{"Authorization": "Bearer not-a-jwt"}, consumeBody(1), http.StatusUnauthorized},
		{"missing credits", guest, map[string]any{"endpoint": "consumeCredits", "action": "ask_question"}, http.StatusBadRequest},
		{"zero credits", guest, consumeBody(0), http.StatusBadRequest},
		{"unknown endpoint", guest, map[string]any{"endpoint": "refund", "action": "ask_question"}, http.StatusBadRequest},
		{"malformed json", guest, "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec, body := env.do(t, http.MethodPost, "/v1/credits", tc.headers, tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
		if body["success"] != false || body["error"] == "" {
			t.Fatalf("%s: expected error body, got %v", tc.name, body)
		}
	}
}

func TestCredits_StorageFailureIsInternalError(t *testing.T) {
	env := newTestEnv(t, brokenLedger{ledger.NewMemoryLedger()})
	guest := map[string]string{"X-Device-Fingerprint": strings.Repeat("b", 32)}

	rec, body := env.do(t, http.MethodPost, "/v1/credits", guest, consumeBody(1))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d (%s)", rec.Code, rec.Body.String())
	}
	if body["success"] != false {
		t.Fatalf("storage failure must not report success: %v", body)
	}
	if _, ok := body["data"]; ok {
		t.Fatalf("storage failure must not return usage data: %v", body)
	}

	health, _ := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if health.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected degraded health, got %d", health.Code)
	}
}

func TestAdminAlerts_RequiresAdminBearer(t *testing.T) {
	env := newTestEnv(t, ledger.NewMemoryLedger())

	rec, _ := env.do(t, http.MethodGet, "/v1/admin/alerts", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodGet, "/v1/admin/alerts", map[string]string{"X-Device-Fingerprint": strings.Repeat("c", 32)}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for fingerprint caller, got %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodGet, "/v1/admin/alerts", map[string]string{"Authorization": "Bearer " + signedToken(t, "user-3", "")}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}
}

func TestAdminAlerts_ScanAndNotify(t *testing.T) {
	env := newTestEnv(t, ledger.NewMemoryLedger())
	heavy := identity.User("heavy", "", identity.RoleUser)
	if err := env.store.Append(context.Background(), ledger.Event{Identity: heavy, Action: "ask_question", Credits: 60, OccurredAt: testNow.Add(-72 * time.Hour)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	admin := map[string]string{"Authorization": "Bearer " + signedToken(t, "admin-1", "root@example.com")}

	rec, body := env.do(t, http.MethodGet, "/v1/admin/alerts", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET alerts: %d %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true || body["alerts_count"] != float64(1) || env.dispatcher.calls != 0 {
		t.Fatalf("expected scan-only response, got %v calls=%d", body, env.dispatcher.calls)
	}
	list, _ := body["alerts"].([]any)
	first, _ := list[0].(map[string]any)
	if first["kind"] != "high_usage" || first["identity"] != "user:heavy" || first["total_consumed"] != float64(60) {
		t.Fatalf("unexpected alert %v", first)
	}

	rec, body = env.do(t, http.MethodPost, "/v1/admin/alerts", admin, nil)
	if rec.Code != http.StatusOK || env.dispatcher.calls != 1 {
		t.Fatalf("POST alerts: %d calls=%d", rec.Code, env.dispatcher.calls)
	}
	if _, ok := body["warning"]; ok {
		t.Fatalf("unexpected warning %v", body)
	}

	env.dispatcher.err = errors.New("smtp unavailable")
	rec, body = env.do(t, http.MethodPost, "/v1/admin/alerts", admin, nil)
	if rec.Code != http.StatusOK || body["warning"] == nil || body["alerts_count"] != float64(1) {
		t.Fatalf("expected warning with alerts, got %d %v", rec.Code, body)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, ledger.NewMemoryLedger())

	rec, body := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", rec.Code, body)
	}

	env.do(t, http.MethodPost, "/v1/credits", map[string]string{"X-Device-Fingerprint": strings.Repeat("d", 32)}, consumeBody(1))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	env.router.ServeHTTP(metricsRec, req)
	if metricsRec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", metricsRec.Code)
	}
	if !strings.Contains(metricsRec.Body.String(), "decisions_total") {
		t.Fatalf("expected decision metrics in exposition")
	}
}

func TestAdminEvents_ListsIdentityHistory(t *testing.T) {
	env := newTestEnv(t, ledger.NewMemoryLedger())
	user := map[string]string{"Authorization": "Bearer " + signedToken(t, "user-5", "")}
	for i := 0; i < 2; i++ {
		if rec, _ := env.do(t, http.MethodPost, "/v1/credits", user, map[string]any{
			"endpoint": "consumeCredits", "action": "ask_question", "credits": 1, "metadata": map[string]any{"pollId": "p-1"},
		}); rec.Code != http.StatusOK {
			t.Fatalf("consume: %d", rec.Code)
		}
	}
	admin := map[string]string{"Authorization": "Bearer " + signedToken(t, "admin-1", "")}

	rec, body := env.do(t, http.MethodGet, "/v1/admin/events?identity=user:user-5&action=ask_question&limit=1", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d %s", rec.Code, rec.Body.String())
	}
	events, _ := body["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected limit to apply, got %v", body)
	}
	first, _ := events[0].(map[string]any)
	meta, _ := first["metadata"].(map[string]any)
	if first["credits"] != float64(1) || meta["pollId"] != "p-1" {
		t.Fatalf("unexpected event %v", first)
	}

	for _, query := range []string{"identity=robot:1", "identity=user:user-5&since=yesterday", "identity=user:user-5&limit=0"} {
		if rec, _ := env.do(t, http.MethodGet, "/v1/admin/events?"+query, admin, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rec.Code)
		}
	}
}

func TestCredits_HugeCreditsAreRejectedWithoutDamage(t *testing.T) {
	env := newTestEnv(t, openTestStore(t))
	guest := map[string]string{"X-Device-Fingerprint": strings.Repeat("h", 32)}

	if rec, _ := env.do(t, http.MethodPost, "/v1/credits", guest, consumeBody(1)); rec.Code != http.StatusOK {
		t.Fatalf("first consume: %d %s", rec.Code, rec.Body.String())
	}
	rec, body := env.do(t, http.MethodPost, "/v1/credits", guest, consumeBody(math.MaxInt64))
	if rec.Code != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("expected 400 for huge credits, got %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodPost, "/v1/credits", guest, map[string]any{"endpoint": "checkQuota", "action": "ask_question"})
	if rec.Code != http.StatusOK {
		t.Fatalf("check quota: %d %s", rec.Code, rec.Body.String())
	}
	data, _ := body["data"].(map[string]any)
	if data["used"] != float64(1) || data["remainingCredits"] != float64(2) {
		t.Fatalf("expected window untouched, got %v", data)
	}

	admin := map[string]string{"Authorization": "Bearer " + signedToken(t, "admin-1", "")}
	if rec, _ := env.do(t, http.MethodGet, "/v1/admin/alerts", admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("alert scan: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAdmin_HangingLedgerTimesOut(t *testing.T) {
	env := newTestEnv(t, hangingLedger{ledger.NewMemoryLedger()})
	admin := map[string]string{"Authorization": "Bearer " + signedToken(t, "admin-1", "")}

	for _, path := range []string{"/v1/admin/alerts", "/v1/admin/events?identity=user:user-1"} {
		started := time.Now()
		rec, body := env.do(t, http.MethodGet, path, admin, nil)
		if rec.Code != http.StatusInternalServerError || body["success"] != false {
			t.Fatalf("%s: expected 500, got %d %v", path, rec.Code, body)
		}
		if elapsed := time.Since(started); elapsed > 2*time.Second {
			t.Fatalf("%s: request was not bounded: %s", path, elapsed)
		}
	}
}

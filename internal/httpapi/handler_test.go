package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mtzyw/upimage-sub001/internal/cache"
	"github.com/mtzyw/upimage-sub001/internal/config"
	"github.com/mtzyw/upimage-sub001/internal/domain/apikey"
	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/imageapi"
	"github.com/mtzyw/upimage-sub001/internal/middleware"
	"github.com/mtzyw/upimage-sub001/internal/services/credits"
	"github.com/mtzyw/upimage-sub001/internal/services/enhance"
	"github.com/mtzyw/upimage-sub001/internal/services/keypool"
	"github.com/mtzyw/upimage-sub001/internal/services/tasks"
	"github.com/mtzyw/upimage-sub001/internal/services/trial"
	"github.com/mtzyw/upimage-sub001/internal/services/webhook"
	"github.com/mtzyw/upimage-sub001/internal/storage/memory"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

const (
	testJWTSecret  = "test-jwt-secret"
	testAdminToken = "test-admin-token"
)

type fakeUpstream struct {
	nextID    int
	submitErr error
}

func (f *fakeUpstream) Submit(context.Context, imageapi.SubmitRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	return fmt.Sprintf("up-%d", f.nextID), nil
}

func (f *fakeUpstream) FetchResult(context.Context, string) ([]byte, string, error) {
	return []byte("image-bytes"), "image/jpeg", nil
}

type fakeObjects struct{}

func (fakeObjects) Upload(context.Context, string, []byte, string) error { return nil }
func (fakeObjects) PublicURL(key string) string                          { return "https://cdn.example.com/" + key }

type fixture struct {
	router http.Handler
	store  *memory.Store
	cred   *credits.Service
	up     *fakeUpstream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewDefault("httpapi-test")
	log.SetOutput(io.Discard)

	store := memory.New()
	up := &fakeUpstream{}
	idx := cache.NewContextIndex(cache.NewMemory(), log)

	pool := keypool.New(store, log)
	cred := credits.New(store, log)
	ts := tasks.New(store, log)
	en := enhance.New(pool, cred, ts, up, idx, log)
	tr := trial.New(store, pool, ts, up, idx, log)
	in := webhook.New(ts, cred, pool, up, fakeObjects{}, idx, "", log)

	h := New(en, tr, cred, ts, pool, in, log)
	auth := middleware.NewAuthenticator(testJWTSecret, log)
	router := h.Router(auth, config.AuthConfig{
		AdminToken:     testAdminToken,
		RateLimit:      100,
		RateLimitBurst: 100,
	})
	return &fixture{router: router, store: store, cred: cred, up: up}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.CreateKey(ctx, apikey.Key{ID: "k1", Secret: "sk-1", DailyLimit: 100, IsActive: true}); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	if err := f.cred.Grant(ctx, "u1", 20, credit.EntryOneTimePurchase, "seed"); err != nil {
		t.Fatalf("seed credits: %v", err)
	}
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestEnhanceStartRequiresAuth(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodPost, "/api/v1/enhance/start", "", map[string]interface{}{
		"imageUrl": "https://example.com/cat.jpg", "scale": 4,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEnhanceStartAndStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	token := userToken(t, "u1")

	rec := f.do(t, http.MethodPost, "/api/v1/enhance/start", token, map[string]interface{}{
		"imageUrl": "https://example.com/cat.jpg", "scale": 4,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		TaskID      string `json:"taskId"`
		Status      string `json:"status"`
		CreditsUsed int    `json:"creditsUsed"`
	}
	decodeBody(t, rec, &created)
	if created.TaskID == "" || created.Status != "processing" || created.CreditsUsed != 2 {
		t.Fatalf("unexpected response: %+v", created)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/enhance/status?taskId="+created.TaskID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Another user's token cannot read the record.
	rec = f.do(t, http.MethodGet, "/api/v1/enhance/status?taskId="+created.TaskID, userToken(t, "intruder"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestEnhanceStartValidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	token := userToken(t, "u1")

	rec := f.do(t, http.MethodPost, "/api/v1/enhance/start", token, map[string]interface{}{
		"imageUrl": "https://example.com/cat.jpg", "scale": 3,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported scale, got %d", rec.Code)
	}
}

func TestEnhanceStartInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.CreateKey(ctx, apikey.Key{ID: "k1", Secret: "sk-1", DailyLimit: 100, IsActive: true}); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/enhance/start", userToken(t, "broke"), map[string]interface{}{
		"imageUrl": "https://example.com/cat.jpg", "scale": 2,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != http.StatusPaymentRequired || envelope.Error.Message == "" {
		t.Fatalf("unexpected error envelope: %+v", envelope)
	}
}

func TestInternalErrorsHideDetail(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.up.submitErr = fmt.Errorf("upstream API error 500: secret-diagnostic-body")

	rec := f.do(t, http.MethodPost, "/api/v1/enhance/start", userToken(t, "u1"), map[string]interface{}{
		"imageUrl": "https://example.com/cat.jpg", "scale": 2,
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret-diagnostic-body") {
		t.Fatalf("response body leaks internal detail: %s", rec.Body.String())
	}
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Message != "internal error" {
		t.Fatalf("expected generic message, got %q", envelope.Error.Message)
	}
}

func TestTrialFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	fingerprint := "trial-browser-fingerprint"

	rec := f.do(t, http.MethodPost, "/api/v1/trial/check", "", map[string]string{"fingerprint": fingerprint})
	if rec.Code != http.StatusOK {
		t.Fatalf("check: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var elig struct {
		Eligible bool `json:"eligible"`
	}
	decodeBody(t, rec, &elig)
	if !elig.Eligible {
		t.Fatal("fresh fingerprint should be eligible")
	}

	rec = f.do(t, http.MethodPost, "/api/v1/trial/start", "", map[string]string{
		"fingerprint": fingerprint, "imageUrl": "https://example.com/cat.jpg",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var batch struct {
		BatchID   string   `json:"batchId"`
		TaskIDs   []string `json:"taskIds"`
		TaskCount int      `json:"taskCount"`
	}
	decodeBody(t, rec, &batch)
	if batch.TaskCount != 4 {
		t.Fatalf("expected 4 trial tasks, got %+v", batch)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/trial/start", "", map[string]string{
		"fingerprint": fingerprint, "imageUrl": "https://example.com/cat.jpg",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second trial: expected 409, got %d", rec.Code)
	}

	// Trial task status is readable without a token.
	rec = f.do(t, http.MethodGet, "/api/v1/enhance/status?taskId="+batch.TaskIDs[0], "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("trial status: expected 200, got %d", rec.Code)
	}
}

func TestCreditsEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	token := userToken(t, "u1")

	rec := f.do(t, http.MethodGet, "/api/v1/credits/balance", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var balance struct {
		Balance int `json:"balance"`
	}
	decodeBody(t, rec, &balance)
	if balance.Balance != 20 {
		t.Fatalf("expected balance 20, got %d", balance.Balance)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/credits/history", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWebhookIngestCompletesTask(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	token := userToken(t, "u1")

	rec := f.do(t, http.MethodPost, "/api/v1/enhance/start", token, map[string]interface{}{
		"imageUrl": "https://example.com/cat.jpg", "scale": 2,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		TaskID string `json:"taskId"`
	}
	decodeBody(t, rec, &created)

	payload := fmt.Sprintf(`{"task_id":%q,"state":1,"image":"https://upstream.example.com/r.jpg"}`, created.TaskID)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/ingest", bytes.NewReader([]byte(payload)))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("ingest: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/enhance/status?taskId="+created.TaskID, token, nil)
	var status struct {
		Status    string `json:"status"`
		OutputURL string `json:"outputUrl"`
	}
	decodeBody(t, rec, &status)
	if status.Status != "completed" || status.OutputURL == "" {
		t.Fatalf("unexpected status after ingest: %+v", status)
	}
}

func TestAdminKeysRequireToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/admin/keys", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin token, got %d", rec.Code)
	}
}

func TestAdminKeyLifecycle(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/keys",
		bytes.NewReader([]byte(`{"secret":"sk-new","name":"backup","dailyLimit":50}`)))
	req.Header.Set("X-Admin-Token", testAdminToken)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID         string `json:"id"`
		SecretTail string `json:"secretTail"`
		DailyLimit int    `json:"dailyLimit"`
		IsActive   bool   `json:"isActive"`
	}
	decodeBody(t, w, &created)
	if created.SecretTail == "sk-new" {
		t.Fatal("secret must be masked in responses")
	}
	if !created.IsActive || created.DailyLimit != 50 {
		t.Fatalf("unexpected key view: %+v", created)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/admin/keys/"+created.ID,
		bytes.NewReader([]byte(`{"isActive":false}`)))
	req.Header.Set("X-Admin-Token", testAdminToken)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated struct {
		IsActive bool `json:"isActive"`
	}
	decodeBody(t, w, &updated)
	if updated.IsActive {
		t.Fatal("expected key to be deactivated")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/keys/missing", nil)
	req.Header.Set("X-Admin-Token", testAdminToken)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown key, got %d", w.Code)
	}
}

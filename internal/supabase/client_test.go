package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/domain/trial"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{URL: srv.URL, ServiceKey: "service-key"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{ServiceKey: "k"}); err == nil {
		t.Fatal("expected error for missing URL")
	}
	if _, err := NewClient(Config{URL: "https://x.supabase.co"}); err == nil {
		t.Fatal("expected error for missing service key")
	}
	if _, err := NewClient(Config{URL: "://bad", ServiceKey: "k"}); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestRPCSendsServiceRoleHeaders(t *testing.T) {
	var gotPath, gotKey, gotAuth string
	var gotArgs map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotArgs)
		fmt.Fprint(w, `{"eligible":true,"reason":"ok"}`)
	})

	store := NewStore(c)
	elig, err := store.CheckTrialEligibility(context.Background(), "fp-hash")
	if err != nil {
		t.Fatalf("rpc: %v", err)
	}
	if !elig.Eligible || elig.Reason != trial.ReasonOK {
		t.Fatalf("unexpected eligibility: %+v", elig)
	}
	if gotPath != "/rest/v1/rpc/check_anonymous_trial_eligibility" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "service-key" || gotAuth != "Bearer service-key" {
		t.Fatalf("missing service-role headers: apikey=%q auth=%q", gotKey, gotAuth)
	}
	if gotArgs["p_fingerprint_hash"] != "fp-hash" {
		t.Fatalf("unexpected args: %v", gotArgs)
	}
}

func TestConsumeTrialUsed(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `false`)
	})
	store := NewStore(c)
	if err := store.ConsumeTrial(context.Background(), "fp-hash"); err != trial.ErrTrialUsed {
		t.Fatalf("expected ErrTrialUsed, got %v", err)
	}
}

func TestDebitCreditsInsufficient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"success":false,"balance_after":0}`)
	})
	store := NewStore(c)
	if _, err := store.DebitCredits(context.Background(), "u1", 5, "note"); err != credit.ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestRPCSurfacesAPIErrors(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"function not found"}`)
	})
	store := NewStore(c)
	if _, err := store.Balance(context.Background(), "u1"); err == nil {
		t.Fatal("expected error from 500 response")
	}
}

func TestStorageUploadAndPublicURL(t *testing.T) {
	var gotPath, gotUpsert, gotContentType string
	var gotBody []byte
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUpsert = r.Header.Get("x-upsert")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	sc := NewStorageClient(c, "enhanced-images", "https://cdn.example.com/enhanced-images")
	err := sc.Upload(context.Background(), "results/u1/t1.jpg", []byte("bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if gotPath != "/storage/v1/object/enhanced-images/results/u1/t1.jpg" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotUpsert != "true" {
		t.Fatal("uploads must be idempotent overwrites")
	}
	if gotContentType != "image/jpeg" || string(gotBody) != "bytes" {
		t.Fatalf("unexpected upload body: %q %q", gotContentType, gotBody)
	}

	if got := sc.PublicURL("results/u1/t1.jpg"); got != "https://cdn.example.com/enhanced-images/results/u1/t1.jpg" {
		t.Fatalf("unexpected public URL %q", got)
	}
}

func TestStorageDefaultPublicBase(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	sc := NewStorageClient(c, "bucket", "")
	want := srv.URL + "/storage/v1/object/public/bucket/key.png"
	if got := sc.PublicURL("key.png"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

package imageapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mtzyw/upimage-sub001/internal/config"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	log := logger.NewDefault("imageapi-test")
	log.SetOutput(io.Discard)
	c, err := New(config.ImageAPIConfig{
		BaseURL:          baseURL,
		WebhookURL:       "https://api.example.com/api/v1/webhook/ingest",
		SubmitTimeoutSec: 5,
		FetchTimeoutSec:  5,
	}, log)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSubmitSendsFormAndParsesTaskID(t *testing.T) {
	var gotKey, gotPath string
	var gotForm map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		fmt.Fprint(w, `{"status":200,"data":{"task_id":"up-42"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.Submit(context.Background(), SubmitRequest{
		APIKey:     "sk-test",
		Engine:     task.EngineUpscale,
		ImageURL:   "https://example.com/cat.jpg",
		Scale:      4,
		Creativity: 0.5,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "up-42" {
		t.Fatalf("expected up-42, got %s", id)
	}
	if gotKey != "sk-test" {
		t.Fatalf("expected key header, got %q", gotKey)
	}
	if gotPath != "/api/tasks/visual/scale" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if got := gotForm["scale_factor"]; len(got) != 1 || got[0] != "4" {
		t.Fatalf("unexpected scale_factor: %v", got)
	}
	if got := gotForm["webhook_url"]; len(got) != 1 || !strings.HasPrefix(got[0], "https://") {
		t.Fatalf("submission must carry the webhook url: %v", got)
	}
}

func TestSubmitRejectsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":401,"message":"invalid api key"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Submit(context.Background(), SubmitRequest{APIKey: "bad", ImageURL: "https://x/y.jpg", Scale: 2}); err == nil {
		t.Fatal("expected error for upstream rejection")
	}
}

func TestSubmitRejectsMissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":200,"data":{}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Submit(context.Background(), SubmitRequest{APIKey: "k", ImageURL: "https://x/y.jpg", Scale: 2}); err == nil {
		t.Fatal("expected error for response without task_id")
	}
}

func TestNewRejectsBadWebhookURL(t *testing.T) {
	log := logger.NewDefault("imageapi-test")
	log.SetOutput(io.Discard)
	_, err := New(config.ImageAPIConfig{
		BaseURL:    "https://api.example.com",
		WebhookURL: "http://localhost:3000/hook",
	}, log)
	if err == nil {
		t.Fatal("expected error for non-public webhook URL")
	}
}

func TestFetchResult(t *testing.T) {
	payload := strings.Repeat("x", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	data, contentType, err := c.FetchResult(context.Background(), srv.URL+"/result.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(data) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(data))
	}
	if contentType != "image/png" {
		t.Fatalf("expected image/png, got %s", contentType)
	}
}

func TestFetchResultRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, _, err := c.FetchResult(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Fatal("expected error for 404 result")
	}
}

func TestExtForContentType(t *testing.T) {
	cases := map[string]string{
		"image/png":                "png",
		"image/webp":               "webp",
		"image/jpeg":               "jpg",
		"application/octet-stream": "jpg",
	}
	for ct, want := range cases {
		if got := ExtForContentType(ct); got != want {
			t.Fatalf("%s: expected %s, got %s", ct, want, got)
		}
	}
}

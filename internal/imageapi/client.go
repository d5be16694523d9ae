// Package imageapi is the client for the third-party asynchronous image
// enhancement API. Submissions return an upstream task identifier; results
// arrive later on the webhook endpoint.
package imageapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mtzyw/upimage-sub001/internal/config"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// maxResultBytes caps downloaded result images.
const maxResultBytes = 20 << 20 // 20 MiB

// Submitter abstracts task submission so services can be tested against a
// fake upstream.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

// Fetcher abstracts result-image downloads.
type Fetcher interface {
	FetchResult(ctx context.Context, resultURL string) ([]byte, string, error)
}

// SubmitRequest carries one enhancement submission.
type SubmitRequest struct {
	APIKey     string
	Engine     task.Engine
	ImageURL   string
	Scale      int
	Creativity float64
}

// Client talks to the upstream enhancement API.
type Client struct {
	baseURL      string
	webhookURL   string
	submitClient *http.Client
	fetchClient  *http.Client
	log          *logger.Logger
}

var _ Submitter = (*Client)(nil)
var _ Fetcher = (*Client)(nil)

// New builds a client from configuration. The webhook URL is validated once
// here so a misconfigured callback fails at startup, not per request.
func New(cfg config.ImageAPIConfig, log *logger.Logger) (*Client, error) {
	if cfg.WebhookURL != "" {
		if err := config.ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("webhook URL: %w", err)
		}
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		webhookURL:   cfg.WebhookURL,
		submitClient: &http.Client{Timeout: time.Duration(cfg.SubmitTimeoutSec) * time.Second},
		fetchClient:  &http.Client{Timeout: time.Duration(cfg.FetchTimeoutSec) * time.Second},
		log:          log,
	}, nil
}

func enginePath(engine task.Engine) string {
	switch engine {
	case task.EngineBackgroundRemoval:
		return "/api/tasks/visual/segmentation"
	case task.EngineTextToImage:
		return "/api/tasks/visual/text2image"
	default:
		return "/api/tasks/visual/scale"
	}
}

// Submit sends one task upstream and returns the upstream task identifier.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	form := url.Values{}
	form.Set("image_url", req.ImageURL)
	form.Set("sync", "0")
	form.Set("return_type", "1")
	if req.Scale > 0 {
		form.Set("scale_factor", strconv.Itoa(req.Scale))
	}
	if req.Creativity > 0 {
		form.Set("creativity", strconv.FormatFloat(req.Creativity, 'f', -1, 64))
	}
	if c.webhookURL != "" {
		form.Set("webhook_url", c.webhookURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+enginePath(req.Engine), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-API-KEY", req.APIKey)

	resp, err := c.submitClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("upstream API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	parsed := gjson.ParseBytes(body)
	if status := parsed.Get("status"); status.Exists() && status.Int() != 200 {
		return "", fmt.Errorf("upstream rejected task: status %d: %s",
			status.Int(), parsed.Get("message").String())
	}
	taskID := parsed.Get("data.task_id").String()
	if taskID == "" {
		return "", fmt.Errorf("upstream response missing task_id")
	}

	c.log.WithField("upstream_task_id", taskID).Debug("task submitted upstream")
	return taskID, nil
}

// FetchResult downloads a finished result image. Returns the bytes and the
// reported content type.
func (c *Client) FetchResult(ctx context.Context, resultURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create fetch request: %w", err)
	}

	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch result: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read result body: %w", err)
	}
	if len(data) > maxResultBytes {
		return nil, "", fmt.Errorf("result image exceeds %d byte limit", maxResultBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// ExtForContentType maps a result content type to a storage key extension.
func ExtForContentType(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return "png"
	case strings.Contains(contentType, "webp"):
		return "webp"
	default:
		return "jpg"
	}
}

// Package webhook ingests result deliveries from the third-party API. The
// handler is written for at-least-once delivery: every path is idempotent
// and a repeat of a terminal notification is a cheap no-op.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mtzyw/upimage-sub001/internal/cache"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/imageapi"
	"github.com/mtzyw/upimage-sub001/internal/metrics"
	"github.com/mtzyw/upimage-sub001/internal/services/credits"
	"github.com/mtzyw/upimage-sub001/internal/services/keypool"
	"github.com/mtzyw/upimage-sub001/internal/services/tasks"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// Upstream task states reported in webhook payloads.
const (
	stateCompleted = 1
)

// Delivery outcomes, used for logging and metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeProgress  = "progress"
	OutcomeDuplicate = "duplicate"
	OutcomeUnknown   = "unknown"
)

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	ErrBadSignature = errors.New("invalid webhook signature")
	ErrBadPayload   = errors.New("malformed webhook payload")
)

// ObjectStore persists result images and exposes their public URLs.
// Satisfied by the Supabase storage client.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

// Ingestor processes webhook deliveries. The cached task context is an
// optimization only; the task store is consulted for every decision that
// matters, so deliveries survive cache loss.
type Ingestor struct {
	tasks    *tasks.Service
	credits  *credits.Service
	pool     *keypool.Service
	fetcher  imageapi.Fetcher
	objects  ObjectStore
	ctxIndex *cache.ContextIndex
	secret   string
	log      *logger.Logger
}

// New wires an Ingestor. An empty secret disables signature verification.
func New(ts *tasks.Service, cr *credits.Service, pool *keypool.Service,
	fetcher imageapi.Fetcher, objects ObjectStore, ctxIndex *cache.ContextIndex,
	secret string, log *logger.Logger) *Ingestor {
	return &Ingestor{
		tasks:    ts,
		credits:  cr,
		pool:     pool,
		fetcher:  fetcher,
		objects:  objects,
		ctxIndex: ctxIndex,
		secret:   secret,
		log:      log,
	}
}

// Handle processes one delivery and returns its outcome. Errors other than
// ErrBadSignature and ErrBadPayload are transient: the API layer answers
// them with a 5xx so the upstream retries.
func (in *Ingestor) Handle(ctx context.Context, body []byte, signature string) (string, error) {
	if in.secret != "" {
		if !verifySignature(in.secret, body, signature) {
			metrics.RecordWebhookDelivery("rejected")
			return "", ErrBadSignature
		}
	}

	payload := gjson.ParseBytes(body)
	taskID := firstString(payload, "task_id", "data.task_id")
	if taskID == "" {
		metrics.RecordWebhookDelivery("rejected")
		return "", fmt.Errorf("%w: missing task_id", ErrBadPayload)
	}

	log := in.log.WithField("task_id", taskID)

	// The cached context is best effort. Every field it carries is also on
	// the record, so a cold cache only costs the lookup below.
	tctx := in.ctxIndex.Get(ctx, taskID)

	rec, err := in.tasks.Lookup(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		// Not one of ours, or the record never landed. Acknowledge so the
		// upstream stops retrying a delivery we can never apply.
		log.Warn("webhook for unknown task")
		metrics.RecordWebhookDelivery(OutcomeUnknown)
		return OutcomeUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("load task: %w", err)
	}

	if rec.Status.Terminal() {
		log.Debug("duplicate webhook for terminal task")
		metrics.RecordWebhookDelivery(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}

	// The provider has shipped two payload shapes: a numeric state and a
	// status string. Accept both.
	state := firstInt(payload, "state", "data.state")
	status := strings.ToUpper(firstString(payload, "status", "data.status"))
	switch {
	case state == stateCompleted || status == "COMPLETED":
		return in.complete(ctx, rec, tctx, payload, log)
	case state < 0 || status == "FAILED":
		reason := firstString(payload, "error", "data.error", "message", "data.message")
		if reason == "" {
			reason = "processing failed upstream"
		}
		return in.fail(ctx, rec, tctx, reason, log)
	default:
		progress := int(firstInt(payload, "progress", "data.progress"))
		if err := in.tasks.Progress(ctx, taskID, progress); err != nil {
			return "", fmt.Errorf("update progress: %w", err)
		}
		metrics.RecordWebhookDelivery(OutcomeProgress)
		return OutcomeProgress, nil
	}
}

func (in *Ingestor) complete(ctx context.Context, rec task.Task, tctx cache.TaskContext,
	payload gjson.Result, log *logger.Logger) (string, error) {
	resultURL := firstString(payload,
		"generated.0", "data.generated.0", "image_url", "data.image_url",
		"image", "data.image", "result_url", "data.result_url")
	if resultURL == "" {
		return "", fmt.Errorf("%w: completed delivery without result url", ErrBadPayload)
	}

	// A result that cannot be retrieved or stored fails the task rather
	// than leaving it stuck in processing with the key lease held. The
	// refund path makes the user whole.
	data, contentType, err := in.fetcher.FetchResult(ctx, resultURL)
	if err != nil {
		log.WithError(err).Error("result fetch failed")
		return in.fail(ctx, rec, tctx, fmt.Sprintf("result fetch failed: %v", err), log)
	}

	owner := rec.UserID
	if owner == "" {
		owner = "anon"
	}
	key := fmt.Sprintf("results/%s/%s.%s", owner, rec.ID, imageapi.ExtForContentType(contentType))

	if err := in.objects.Upload(ctx, key, data, contentType); err != nil {
		log.WithError(err).Error("result upload failed")
		return in.fail(ctx, rec, tctx, fmt.Sprintf("result upload failed: %v", err), log)
	}

	_, err = in.tasks.Complete(ctx, rec.ID, task.Result{
		OutputKey: key,
		OutputURL: in.objects.PublicURL(key),
	})
	if errors.Is(err, task.ErrAlreadyTerminal) {
		// A concurrent delivery won the transition; the upload above was
		// an idempotent overwrite of the same key.
		metrics.RecordWebhookDelivery(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("complete task: %w", err)
	}

	in.cleanup(ctx, rec, tctx)
	log.Info("result stored and task completed")
	metrics.RecordWebhookDelivery(OutcomeCompleted)
	return OutcomeCompleted, nil
}

func (in *Ingestor) fail(ctx context.Context, rec task.Task, tctx cache.TaskContext,
	reason string, log *logger.Logger) (string, error) {
	_, err := in.tasks.Fail(ctx, rec.ID, reason)
	if errors.Is(err, task.ErrAlreadyTerminal) {
		metrics.RecordWebhookDelivery(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("fail task: %w", err)
	}

	if rec.UserID != "" && rec.CreditsUsed > 0 {
		if err := in.credits.RefundForTask(ctx, rec.UserID, rec.ID, rec.CreditsUsed); err != nil {
			// The failed transition is already durable; the refund retries
			// with the next delivery or is settled manually.
			log.WithError(err).Error("refund for failed task failed")
		}
	}

	in.cleanup(ctx, rec, tctx)
	log.WithField("reason", reason).Info("task marked failed")
	metrics.RecordWebhookDelivery(OutcomeFailed)
	return OutcomeFailed, nil
}

// cleanup releases the key lease and drops cached context. The key id comes
// from the cache when warm, the record otherwise.
func (in *Ingestor) cleanup(ctx context.Context, rec task.Task, tctx cache.TaskContext) {
	keyID := tctx.APIKeyID
	if keyID == "" {
		keyID = rec.APIKeyID
	}
	in.pool.Release(ctx, keyID)
	in.ctxIndex.Drop(ctx, rec.ID)
}

func verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func firstString(payload gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := payload.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func firstInt(payload gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := payload.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

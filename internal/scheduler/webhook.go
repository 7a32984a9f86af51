package scheduler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// webhookBodyLimit caps accepted callback payloads.
const webhookBodyLimit = 1 << 20

// WebhookHandler accepts external callbacks that fire webhook jobs. The
// endpoint is deliberately unauthenticated: callers that cannot hold a
// session token (CI systems, payment providers) prove themselves with the
// job's HMAC secret instead. Repeated deliveries of the same body within
// the idempotency window fire the job once.
type WebhookHandler struct {
	engine *Engine

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewWebhookHandler builds the handler around an engine. Mount it at
// "POST /webhook/{job_id}".
func NewWebhookHandler(engine *Engine) *WebhookHandler {
	return &WebhookHandler{
		engine: engine,
		seen:   map[string]time.Time{},
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respond(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"}, "invalid")
		return
	}
	jobID := r.PathValue("job_id")
	if jobID == "" {
		// Mounted without a pattern variable; take the trailing segment.
		jobID = path.Base(r.URL.Path)
	}

	payload, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
	if readErr != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"}, "invalid")
		return
	}

	job, err := h.engine.store.GetJob(r.Context(), jobID)
	if errors.Is(err, ErrJobNotFound) {
		h.respond(w, http.StatusNotFound, map[string]string{"error": "job not found"}, "not_found")
		return
	}
	if err != nil {
		h.engine.logger.Error("webhook job lookup failed", "job_id", jobID, "error", err)
		h.respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"}, "invalid")
		return
	}
	if job.Type != models.JobWebhook {
		h.respond(w, http.StatusNotFound, map[string]string{"error": "job not found"}, "not_found")
		return
	}

	secret, ok := webhookSecret(job)
	if !ok || (secret != "" && !verifySignature(secret, payload, r.Header.Get("X-Webhook-Signature"))) {
		h.engine.logger.Warn("webhook signature rejected", "job_id", jobID)
		h.respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"}, "unauthorized")
		return
	}

	// The duplicate check runs before the terminal check so a retried
	// delivery of a just-completed payload still gets its 200.
	if h.duplicate(jobID, payload) {
		h.respond(w, http.StatusOK, map[string]string{"status": "duplicate", "job_id": jobID}, "duplicate")
		return
	}
	if job.Status.Terminal() {
		h.respond(w, http.StatusConflict, map[string]string{"error": "job already " + string(job.Status)}, "conflict")
		return
	}

	var decoded any
	if len(payload) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(payload, &decoded); err != nil {
		decoded = map[string]any{"body": string(payload)}
	}

	fired, err := h.engine.FireWebhook(r.Context(), job, decoded)
	if err != nil {
		h.engine.logger.Error("webhook fire failed", "job_id", jobID, "error", err)
		h.respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"}, "invalid")
		return
	}
	if !fired {
		h.respond(w, http.StatusConflict, map[string]string{"error": "job already completed"}, "conflict")
		return
	}
	h.respond(w, http.StatusOK, map[string]string{"status": "fired", "job_id": jobID}, "fired")
}

// duplicate records the delivery and reports whether the same body already
// fired this job inside the idempotency window.
func (h *WebhookHandler) duplicate(jobID string, body []byte) bool {
	sum := sha256.Sum256(body)
	key := jobID + ":" + hex.EncodeToString(sum[:])
	now := h.engine.now()

	h.mu.Lock()
	defer h.mu.Unlock()
	for k, t := range h.seen {
		if now.Sub(t) > h.engine.webhookWindow {
			delete(h.seen, k)
		}
	}
	if t, ok := h.seen[key]; ok && now.Sub(t) <= h.engine.webhookWindow {
		return true
	}
	h.seen[key] = now
	return false
}

func (h *WebhookHandler) respond(w http.ResponseWriter, status int, body map[string]string, metricOutcome string) {
	if h.engine.metrics != nil {
		h.engine.metrics.RecordWebhookRequest(metricOutcome)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// verifySignature checks "sha256=<hex>" against HMAC-SHA256 of the raw
// body. hmac.Equal compares in constant time.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// webhookSecret decodes the job's secret. A config that cannot be read
// reports ok=false; the handler then refuses the callback rather than
// treating the job as unsecured.
func webhookSecret(job *models.Job) (string, bool) {
	cfg, err := decodeCheckConfig(models.JobWebhook, job.CheckConfig)
	if err != nil {
		return "", false
	}
	wh, ok := cfg.(*WebhookConfig)
	if !ok {
		return "", false
	}
	return wh.Secret, true
}

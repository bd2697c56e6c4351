// Package api exposes the daemon's local HTTP surface: record caching and
// lookup, sync queue management, background worker lifecycle, and the
// dashboard websocket. Everything except /health sits behind bearer auth.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avenlo/handoffd/internal/cache"
	"github.com/avenlo/handoffd/internal/connmon"
	"github.com/avenlo/handoffd/internal/hub"
	"github.com/avenlo/handoffd/internal/rescache"
	"github.com/avenlo/handoffd/internal/storage"
	"github.com/avenlo/handoffd/internal/syncqueue"
	"github.com/avenlo/handoffd/internal/worker"
)

const maxBodySize = 1 << 20 // 1MB

type Deps struct {
	Cache     *cache.Manager
	Queue     *syncqueue.Queue // nil when no remote credentials are configured
	Worker    *worker.Manager
	Hub       *hub.Hub
	Monitor   *connmon.Monitor
	Resources *rescache.Cache
	Client    *http.Client
	Token     string
	Version   string
}

func NewHandler(deps Deps) http.Handler {
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": deps.Version})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/records", handleCacheRecord(deps))
		r.Get("/records", handleListRecords(deps))
		r.Get("/records/{id}", handleGetRecord(deps))
		r.Get("/records/{id}/stale", handleRecordStale(deps))
		r.Get("/records/{id}/attachments", handleRecordAttachments(deps))
		r.Delete("/records/{id}", handleInvalidateRecord(deps))
		r.Post("/records/sweep", handleSweepStale(deps))
		r.Post("/quota/enforce", handleEnforceQuota(deps))

		r.Post("/actions", handleEnqueueAction(deps))
		r.Get("/actions", handleListActions(deps))
		r.Post("/actions/purge", handlePurgeActions(deps))
		r.Post("/sync", handleSync(deps))

		r.Get("/resources", handleGetResource(deps))
		r.Get("/status", handleStatus(deps))

		r.Post("/worker/update", handleWorkerUpdate(deps))
		r.Post("/worker/activate", handleWorkerActivate(deps))

		if deps.Hub != nil {
			r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
				hub.ServeWS(deps.Hub, w, r)
			})
		}
	})

	return r
}

// recordResponse is the wire shape for a cached record.
type recordResponse struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	CachedAt      string          `json:"cached_at"`
	AttachmentIDs []string        `json:"attachment_ids"`
}

func toRecordResponse(rec storage.CachedRecord) recordResponse {
	return recordResponse{
		ID:            rec.ID,
		Payload:       json.RawMessage(rec.PayloadJSON),
		CachedAt:      rec.CachedAt.Format(time.RFC3339Nano),
		AttachmentIDs: rec.AttachmentIDs,
	}
}

func handleCacheRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var in cache.RecordInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if in.ID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}
		if in.PayloadJSON == "" || !json.Valid([]byte(in.PayloadJSON)) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload must be valid JSON")
			return
		}

		rec, err := deps.Cache.CacheRecord(in)
		if err != nil {
			if errors.Is(err, storage.ErrQuotaExceeded) {
				httpError(w, http.StatusInsufficientStorage, "api_error", "local storage quota exceeded")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cache record: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toRecordResponse(rec))
	}
}

func handleListRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Cache.ListRecords()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}
		out := make([]recordResponse, 0, len(recs))
		for _, rec := range recs {
			out = append(out, toRecordResponse(rec))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleGetRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Cache.GetRecord(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "record not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get record: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toRecordResponse(rec))
	}
}

func handleRecordStale(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stale, err := deps.Cache.IsStale(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to check staleness: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"stale": stale})
	}
}

func handleRecordAttachments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Cache.GetRecord(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "record not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get record: %v", err)
			return
		}
		atts, err := deps.Cache.CachedAttachments(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list attachments: %v", err)
			return
		}
		type attResponse struct {
			ID          string `json:"id"`
			ResourceURL string `json:"resource_url"`
			Mirrored    bool   `json:"mirrored"`
		}
		out := make([]attResponse, 0, len(atts))
		for _, a := range atts {
			mirrored := deps.Resources != nil && deps.Resources.Has(a.ResourceURL)
			out = append(out, attResponse{ID: a.ID, ResourceURL: a.ResourceURL, Mirrored: mirrored})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleInvalidateRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Cache.Invalidate(chi.URLParam(r, "id")); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to invalidate record: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleSweepStale(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := deps.Cache.SweepStale()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to sweep stale records: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"removed": removed})
	}
}

func handleEnforceQuota(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evicted, err := deps.Cache.EnforceQuota()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enforce quota: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"evicted": evicted})
	}
}

type actionRequest struct {
	Type     storage.ActionType `json:"type"`
	RecordID string             `json:"record_id"`
	Notes    string             `json:"notes"`
}

type actionResponse struct {
	ID        string             `json:"id"`
	Type      storage.ActionType `json:"type"`
	CreatedAt string             `json:"created_at"`
	Synced    bool               `json:"synced"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
}

func toActionResponse(a storage.QueuedAction) actionResponse {
	return actionResponse{
		ID:        a.ID,
		Type:      a.Type,
		CreatedAt: a.CreatedAt.Format(time.RFC3339Nano),
		Synced:    a.Synced,
		Attempts:  a.Attempts,
		LastError: a.LastError,
	}
}

func handleEnqueueAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Queue == nil {
			httpError(w, http.StatusConflict, "api_error", "sync queue unavailable: no remote credentials configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Type != storage.ActionAcknowledgeRecord {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown action type %q", req.Type)
			return
		}
		if req.RecordID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "record_id is required")
			return
		}

		// Double-submission guard: a pending acknowledgment for the same
		// record is reused rather than queued twice.
		if existing, ok, err := deps.Queue.PendingAcknowledge(req.RecordID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to check pending actions: %v", err)
			return
		} else if ok {
			resp := toActionResponse(existing)
			resp.Duplicate = true
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
			return
		}

		action, err := deps.Queue.EnqueueAcknowledge(req.RecordID, req.Notes)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue action: %v", err)
			return
		}

		// Opportunistic drain when the server is reachable; the action is
		// durable either way.
		if deps.Monitor != nil && deps.Monitor.IsOnline() {
			go deps.Queue.Drain(context.Background())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(toActionResponse(action))
	}
}

func handleListActions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Queue == nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]actionResponse{})
			return
		}
		var (
			actions []storage.QueuedAction
			err     error
		)
		if r.URL.Query().Get("all") == "true" {
			actions, err = deps.Queue.All()
		} else {
			actions, err = deps.Queue.Pending()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list actions: %v", err)
			return
		}
		out := make([]actionResponse, 0, len(actions))
		for _, a := range actions {
			out = append(out, toActionResponse(a))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// handlePurgeActions drops replay-exhausted actions from the queue.
func handlePurgeActions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Queue == nil {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]int{"purged": 0})
			return
		}
		purged, err := deps.Queue.PurgeExhausted()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to purge actions: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"purged": purged})
	}
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Queue == nil {
			httpError(w, http.StatusConflict, "api_error", "sync queue unavailable: no remote credentials configured")
			return
		}
		// Refuse to burn replay attempts while provably offline.
		if deps.Monitor != nil && !deps.Monitor.IsOnline() && !deps.Monitor.CheckNow(r.Context()) {
			httpError(w, http.StatusConflict, "api_error", "server unreachable, sync deferred")
			return
		}

		// A client disconnecting mid-drain must not cancel in-flight
		// replays: a cancelled acknowledgment POST would burn one of the
		// action's attempts for nothing.
		results, err := deps.Queue.Drain(context.WithoutCancel(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to drain queue: %v", err)
			return
		}

		if results == nil {
			results = []syncqueue.Result{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

// handleGetResource serves mirrored attachment bytes, fetching through to
// the origin when the cache misses and the server is reachable.
func handleGetResource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Resources == nil {
			httpError(w, http.StatusNotFound, "not_found", "resource cache disabled")
			return
		}
		url := r.URL.Query().Get("url")
		if url == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url query parameter is required")
			return
		}

		body, _, err := deps.Resources.Get(url)
		if errors.Is(err, rescache.ErrMiss) {
			online := deps.Monitor == nil || deps.Monitor.IsOnline()
			if !online {
				httpError(w, http.StatusNotFound, "not_found", "resource not cached and server unreachable")
				return
			}
			if err := deps.Resources.Mirror(r.Context(), deps.Client, url); err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch resource: %v", err)
				return
			}
			body, _, err = deps.Resources.Get(url)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to read cached resource: %v", err)
				return
			}
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read cached resource: %v", err)
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		io.Copy(w, body)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"online": deps.Monitor != nil && deps.Monitor.IsOnline(),
			"worker": deps.Worker.GetStatus(),
		}

		if recs, err := deps.Cache.ListRecords(); err == nil {
			status["cached_records"] = len(recs)
		}
		if deps.Queue != nil {
			if pending, err := deps.Queue.Pending(); err == nil {
				status["pending_actions"] = len(pending)
			}
		} else {
			status["pending_actions"] = 0
		}
		if deps.Hub != nil {
			status["connected_pages"] = deps.Hub.Clients()
		}
		if deps.Resources != nil {
			if used, err := deps.Resources.Usage(); err == nil {
				status["resource_bytes"] = used
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

func handleWorkerUpdate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := deps.Worker.StageUpdate(context.Background())
		if version == 0 {
			httpError(w, http.StatusConflict, "api_error", "no active worker to update")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"staged_version": version})
	}
}

func handleWorkerActivate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Worker.ActivateUpdate() {
			httpError(w, http.StatusConflict, "api_error", "no staged worker to activate")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "activated"})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

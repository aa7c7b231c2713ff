package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/models"
	"fieldsync/internal/queue"
	"fieldsync/internal/reconcile"
	"fieldsync/internal/report"
	"fieldsync/internal/service"

	"github.com/rs/zerolog"
)

const (
	maxBodyBytes    = 1 << 20
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// SyncAPI is the part of the sync service exposed over HTTP.
type SyncAPI interface {
	EnqueueOperation(ctx context.Context, opType string, payload json.RawMessage, opts service.EnqueueOptions) (models.QueueItem, error)
	TriggerSync(ctx context.Context) models.SyncResult
	RetryItem(ctx context.Context, id string) error
	GetStatus() models.SyncStatus
	ClearSyncData(ctx context.Context, opts service.ClearOptions) error
	AbortSync()
	PendingAssets() []models.AssetView
	SyncedAssets() []models.AssetView
	FailedAssets() []models.AssetView
	FailedItems() []models.QueueItem
	SyncedHistory() []models.SyncedRecord
	RecordObservation(ctx context.Context, fact models.AssetFact) (models.ReconciledAsset, error)
	InventoryStats() models.InventoryStats
	Asset(key string) (models.ReconciledAsset, bool)
	InventoryRecords() []models.ReconciledAsset
}

// ReadyFunc reports whether the backing store is usable.
type ReadyFunc func(ctx context.Context) error

// HTTPServer exposes the sync control API.
type HTTPServer struct {
	cfg    *config.APIConfig
	svc    SyncAPI
	ready  ReadyFunc
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg *config.APIConfig, svc SyncAPI, ready ReadyFunc, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{cfg: cfg, svc: svc, ready: ready, logger: logger}
	srv.auth = NewHTTPAuth(*cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)

	mux.HandleFunc("POST /api/v1/operations", srv.handleEnqueue)
	mux.HandleFunc("GET /api/v1/operations/failed", srv.handleFailedItems)
	mux.HandleFunc("POST /api/v1/operations/{id}/retry", srv.handleRetry)

	mux.HandleFunc("POST /api/v1/sync", srv.handleTriggerSync)
	mux.HandleFunc("POST /api/v1/sync/abort", srv.handleAbort)
	mux.HandleFunc("POST /api/v1/sync/clear", srv.handleClear)
	mux.HandleFunc("GET /api/v1/sync/status", srv.handleStatus)
	mux.HandleFunc("GET /api/v1/sync/history", srv.handleHistory)

	mux.HandleFunc("GET /api/v1/assets", srv.handleAssets)

	mux.HandleFunc("POST /api/v1/inventory/observations", srv.handleObservation)
	mux.HandleFunc("GET /api/v1/inventory/stats", srv.handleInventoryStats)
	mux.HandleFunc("GET /api/v1/inventory/assets/{key}", srv.handleAsset)
	mux.HandleFunc("GET /api/v1/inventory/export", srv.handleInventoryExport)

	handler := loggingMiddleware(logger, corsMiddleware(srv.auth.Wrap(mux)))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type enqueueRequest struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Priority  models.Priority `json:"priority"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.Payload) > 0 && !json.Valid(body.Payload) {
		writeError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	item, err := s.svc.EnqueueOperation(r.Context(), strings.TrimSpace(body.Type), body.Payload, service.EnqueueOptions{
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Priority:  body.Priority,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *HTTPServer) handleFailedItems(w http.ResponseWriter, r *http.Request) {
	items := s.svc.FailedItems()
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.svc.RetryItem(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": id})
}

func (s *HTTPServer) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	// a disconnecting client must not abort the run halfway
	res := s.svc.TriggerSync(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.svc.AbortSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "abort requested"})
}

func (s *HTTPServer) handleClear(w http.ResponseWriter, r *http.Request) {
	var opts service.ClearOptions
	if err := decodeBody(w, r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !opts.ClearAll && !opts.ClearQueue && !opts.ClearErrors {
		writeError(w, http.StatusBadRequest, "nothing to clear")
		return
	}
	if err := s.svc.ClearSyncData(r.Context(), opts); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.GetStatus())
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetStatus())
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.svc.SyncedHistory()})
}

func (s *HTTPServer) handleAssets(w http.ResponseWriter, r *http.Request) {
	state := models.AssetState(strings.TrimSpace(r.URL.Query().Get("state")))
	if state == "" {
		state = models.AssetPending
	}

	var views []models.AssetView
	switch state {
	case models.AssetPending:
		views = s.svc.PendingAssets()
	case models.AssetSynced:
		views = s.svc.SyncedAssets()
	case models.AssetFailed:
		views = s.svc.FailedAssets()
	default:
		writeError(w, http.StatusBadRequest, "state must be one of pending, synced, failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "assets": views})
}

func (s *HTTPServer) handleObservation(w http.ResponseWriter, r *http.Request) {
	var fact models.AssetFact
	if err := decodeBody(w, r, &fact); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rec, err := s.svc.RecordObservation(r.Context(), fact)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handleInventoryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.InventoryStats())
}

func (s *HTTPServer) handleAsset(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.svc.Asset(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handleInventoryExport(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	f, err := report.InventoryWorkbook(s.svc.InventoryRecords(), s.svc.InventoryStats(), now)
	if err != nil {
		s.logger.Error().Err(err).Msg("build inventory workbook")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="inventory_%s.xlsx"`, now.Format("2006-01-02")))
	w.WriteHeader(http.StatusOK)
	if _, err := f.WriteTo(w); err != nil {
		s.logger.Warn().Err(err).Msg("stream inventory workbook")
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrEmptyOperationType),
		errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, reconcile.ErrEmptyAssetKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrPersistence):
		s.logger.Error().Err(err).Msg("persistence failure")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, operation not saved")
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

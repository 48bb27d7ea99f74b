// Package api exposes the authenticated wearable HTTP API: job triggers, connection management
// and paged reads of stored records.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/auth"
	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
	"github.com/the-governor-hq/bodyPress-backend/internal/persistence"
	httptransport "github.com/the-governor-hq/bodyPress-backend/internal/transport/http"
)

const (
	defaultSummaryDays = 30
	defaultPageSize    = 50
	maxPageSize        = 200
	maxBodyBytes       = 64 << 10
)

// Store is the persistence surface the API reads and writes.
type Store interface {
	UpsertConnection(ctx context.Context, userID string, provider domain.Provider, providerUserID string) (*domain.Connection, bool, error)
	Disconnect(ctx context.Context, userID string, provider domain.Provider) error
	ListConnectionsByUser(ctx context.Context, userID string) ([]domain.Connection, error)
	ListActivities(ctx context.Context, q domain.RecordQuery) ([]domain.Stored[domain.Activity], *domain.Cursor, error)
	ListSleep(ctx context.Context, q domain.RecordQuery) ([]domain.Stored[domain.Sleep], *domain.Cursor, error)
	ListDailies(ctx context.Context, q domain.RecordQuery) ([]domain.Stored[domain.Daily], *domain.Cursor, error)
	Summarize(ctx context.Context, userID string, provider domain.Provider, since, until string) (domain.DataSummary, error)
}

// Enqueuer durably records sync work.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...jobs.EnqueueOption) (string, error)
}

// Handler coordinates HTTP requests with the store and the job queue.
type Handler struct {
	store        Store
	queue        Enqueuer
	backfillDays int
	trailingDays int
	logger       *zap.Logger
	now          func() time.Time
}

// NewHandler builds a Handler. backfillDays is used when a backfill request omits daysBack;
// trailingDays must match the worker's so one-sided sync windows resolve the same way.
func NewHandler(store Store, queue Enqueuer, backfillDays, trailingDays int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backfillDays <= 0 {
		backfillDays = 60
	}
	if trailingDays <= 0 {
		trailingDays = 2
	}
	return &Handler{
		store:        store,
		queue:        queue,
		backfillDays: backfillDays,
		trailingDays: trailingDays,
		logger:       logger.Named("api"),
		now:          time.Now,
	}
}

// Routes returns the router for /v1/wearables. Callers must wrap it with auth.Middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(auth.ScopeWearablesWrite))
		r.Post("/{provider}/backfill", h.backfill)
		r.Post("/{provider}/sync", h.sync)
		r.Put("/{provider}/connection", h.connect)
		r.Delete("/{provider}/connection", h.disconnect)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireScope(auth.ScopeWearablesRead))
		r.Get("/connections", h.connections)
		r.Get("/activities", h.activities)
		r.Get("/sleep", h.sleep)
		r.Get("/dailies", h.dailies)
		r.Get("/summary", h.summary)
	})
	return r
}

// BackfillRequest is the optional body of POST /{provider}/backfill.
type BackfillRequest struct {
	DaysBack *int `json:"daysBack"`
}

// SyncRequest is the optional body of POST /{provider}/sync.
type SyncRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// JobAccepted is returned for every request that enqueues work.
type JobAccepted struct {
	Message   string          `json:"message"`
	Provider  domain.Provider `json:"provider"`
	DaysBack  int             `json:"daysBack,omitempty"`
	StartDate string          `json:"startDate,omitempty"`
	EndDate   string          `json:"endDate,omitempty"`
	JobID     string          `json:"jobId"`
}

// ConnectRequest is the body of PUT /{provider}/connection.
type ConnectRequest struct {
	ProviderUserID string `json:"providerUserId"`
}

// ConnectionView is the public shape of a connection and its sync health.
type ConnectionView struct {
	ID             string     `json:"id"`
	Provider       string     `json:"provider"`
	ProviderUserID string     `json:"providerUserId"`
	Status         string     `json:"status"`
	Healthy        bool       `json:"healthy"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	LastError      *string    `json:"lastError,omitempty"`
	LastErrorAt    *time.Time `json:"lastErrorAt,omitempty"`
}

// ConnectResponse describes a linked connection and the job queued for it.
type ConnectResponse struct {
	Connection ConnectionView `json:"connection"`
	Created    bool           `json:"created"`
	JobID      string         `json:"jobId"`
}

// SummaryResponse pairs aggregated records with the caller's connection health.
type SummaryResponse struct {
	Days        int                `json:"days"`
	Summary     domain.DataSummary `json:"summary"`
	Connections []ConnectionView   `json:"connections"`
}

// Page is a list response with an opaque continuation cursor.
type Page[T any] struct {
	Items      []domain.Stored[T] `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	claims, provider, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req BackfillRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		httptransport.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	payload := domain.BackfillPayload{UserID: claims.Subject, Provider: provider, DaysBack: h.backfillDays}
	if req.DaysBack != nil {
		payload.DaysBack = *req.DaysBack
	}
	if err := payload.Validate(); err != nil {
		httptransport.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	id, err := h.queue.Enqueue(r.Context(), domain.JobBackfill, payload)
	if err != nil {
		h.logger.Error("enqueue backfill", zap.Error(err), zap.String("user_id", claims.Subject), zap.String("provider", string(provider)))
		httptransport.WriteError(w, http.StatusInternalServerError, "server_error", "backfill could not be queued")
		return
	}

	httptransport.WriteJSON(w, http.StatusAccepted, JobAccepted{
		Message:  "backfill queued",
		Provider: provider,
		DaysBack: payload.DaysBack,
		JobID:    id,
	})
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	claims, provider, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		httptransport.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	payload := domain.SyncPayload{
		UserID:    claims.Subject,
		Provider:  provider,
		StartDate: strings.TrimSpace(req.StartDate),
		EndDate:   strings.TrimSpace(req.EndDate),
	}
	if err := payload.Validate(); err != nil {
		httptransport.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if payload.HasExplicitDates() {
		window := payload.ResolveWindow(h.now(), h.trailingDays)
		if err := window.Validate(); err != nil {
			httptransport.WriteError(w, http.StatusBadRequest, "validation_failed",
				fmt.Sprintf("sync window %s..%s: %v", window.Start, window.End, err))
			return
		}
	}

	id, err := h.queue.Enqueue(r.Context(), domain.JobSync, payload)
	if err != nil {
		h.logger.Error("enqueue sync", zap.Error(err), zap.String("user_id", claims.Subject), zap.String("provider", string(provider)))
		httptransport.WriteError(w, http.StatusInternalServerError, "server_error", "sync could not be queued")
		return
	}

	httptransport.WriteJSON(w, http.StatusAccepted, JobAccepted{
		Message:   "sync queued",
		Provider:  provider,
		StartDate: payload.StartDate,
		EndDate:   payload.EndDate,
		JobID:     id,
	})
}

// connect links the caller to a provider account. A new connection gets a backfill; a re-link
// gets an incremental sync.
func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	claims, provider, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		httptransport.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	providerUserID := strings.TrimSpace(req.ProviderUserID)
	if providerUserID == "" {
		httptransport.WriteError(w, http.StatusBadRequest, "validation_failed", "providerUserId is required")
		return
	}

	conn, created, err := h.store.UpsertConnection(r.Context(), claims.Subject, provider, providerUserID)
	if err != nil {
		h.logger.Error("upsert connection", zap.Error(err), zap.String("user_id", claims.Subject), zap.String("provider", string(provider)))
		httptransport.WriteError(w, http.StatusInternalServerError, "server_error", "connection could not be saved")
		return
	}

	name, payload := domain.JobSync, any(domain.SyncPayload{UserID: claims.Subject, Provider: provider})
	if created {
		name = domain.JobBackfill
		payload = domain.BackfillPayload{UserID: claims.Subject, Provider: provider, DaysBack: h.backfillDays}
	}
	id, err := h.queue.Enqueue(r.Context(), name, payload)
	if err != nil {
		// The connection is saved; the next daily fan-out picks it up.
		h.logger.Error("enqueue initial sync", zap.Error(err), zap.String("job", name), zap.String("connection_id", conn.ID))
	}

	h.logger.Info("wearable connected",
		zap.String("user_id", claims.Subject),
		zap.String("provider", string(provider)),
		zap.Bool("created", created),
		zap.String("job_id", id),
	)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httptransport.WriteJSON(w, status, ConnectResponse{Connection: toConnectionView(*conn), Created: created, JobID: id})
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	claims, provider, ok := h.caller(w, r)
	if !ok {
		return
	}

	if err := h.store.Disconnect(r.Context(), claims.Subject, provider); err != nil {
		if errors.Is(err, domain.ErrConnectionNotFound) {
			httptransport.WriteError(w, http.StatusNotFound, "not_found", "connection not found")
			return
		}
		h.logger.Error("disconnect", zap.Error(err), zap.String("user_id", claims.Subject), zap.String("provider", string(provider)))
		httptransport.WriteError(w, http.StatusInternalServerError, "server_error", "connection could not be updated")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) connections(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	conns, err := h.store.ListConnectionsByUser(r.Context(), claims.Subject)
	if err != nil {
		httptransport.WriteError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	items := make([]ConnectionView, 0, len(conns))
	for _, c := range conns {
		items = append(items, toConnectionView(c))
	}
	httptransport.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	listPage(h, w, r, h.store.ListActivities)
}

func (h *Handler) sleep(w http.ResponseWriter, r *http.Request) {
	listPage(h, w, r, h.store.ListSleep)
}

func (h *Handler) dailies(w http.ResponseWriter, r *http.Request) {
	listPage(h, w, r, h.store.ListDailies)
}

// summary aggregates the trailing days (1..365, default 30) ending today.
func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	values := r.URL.Query()

	var provider domain.Provider
	if raw := strings.TrimSpace(values.Get("provider")); raw != "" {
		p, err := domain.ParseProvider(raw)
		if err != nil {
			httptransport.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		provider = p
	}
	days := defaultSummaryDays
	if raw := values.Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > domain.MaxBackfillDays {
			httptransport.WriteError(w, http.StatusBadRequest, "validation_failed", fmt.Sprintf("days must be between 1 and %d", domain.MaxBackfillDays))
			return
		}
		days = parsed
	}

	today := h.now().UTC()
	since := today.AddDate(0, 0, -days).Format(domain.DateLayout)
	until := today.Format(domain.DateLayout)

	summary, err := h.store.Summarize(r.Context(), claims.Subject, provider, since, until)
	if err != nil {
		h.logger.Error("summarize records", zap.Error(err), zap.String("user_id", claims.Subject))
		httptransport.WriteError(w, http.StatusInternalServerError, "server_error", "summary could not be computed")
		return
	}
	conns, err := h.store.ListConnectionsByUser(r.Context(), claims.Subject)
	if err != nil {
		httptransport.WriteError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := SummaryResponse{Days: days, Summary: summary, Connections: make([]ConnectionView, 0, len(conns))}
	for _, c := range conns {
		if provider == "" || c.Provider == provider {
			resp.Connections = append(resp.Connections, toConnectionView(c))
		}
	}
	httptransport.WriteJSON(w, http.StatusOK, resp)
}

type listFunc[T any] func(ctx context.Context, q domain.RecordQuery) ([]domain.Stored[T], *domain.Cursor, error)

func listPage[T any](h *Handler, w http.ResponseWriter, r *http.Request, list listFunc[T]) {
	claims, _ := auth.FromContext(r.Context())

	q, err := parseRecordQuery(claims.Subject, r)
	if err != nil {
		httptransport.WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	items, next, err := list(r.Context(), q)
	if err != nil {
		h.logger.Error("list records", zap.Error(err), zap.String("path", r.URL.Path))
		httptransport.WriteError(w, http.StatusInternalServerError, "server_error", "records could not be loaded")
		return
	}
	if items == nil {
		items = []domain.Stored[T]{}
	}
	httptransport.WriteJSON(w, http.StatusOK, Page[T]{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func parseRecordQuery(userID string, r *http.Request) (domain.RecordQuery, error) {
	values := r.URL.Query()
	q := domain.RecordQuery{UserID: userID, Limit: defaultPageSize}

	if raw := strings.TrimSpace(values.Get("provider")); raw != "" {
		p, err := domain.ParseProvider(raw)
		if err != nil {
			return q, err
		}
		q.Provider = p
	}

	for _, bound := range []struct {
		name string
		dst  *string
	}{{"startDate", &q.Start}, {"endDate", &q.End}} {
		raw := strings.TrimSpace(values.Get(bound.name))
		if raw == "" {
			continue
		}
		if _, err := time.Parse(domain.DateLayout, raw); err != nil {
			return q, fmt.Errorf("%s must be YYYY-MM-DD", bound.name)
		}
		*bound.dst = raw
	}
	if q.Start != "" && q.End != "" && q.Start > q.End {
		return q, errors.New("startDate must not be after endDate")
	}

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxPageSize {
			return q, fmt.Errorf("limit must be between 1 and %d", maxPageSize)
		}
		q.Limit = limit
	}

	cursor, err := persistence.DecodeCursor(values.Get("cursor"))
	if err != nil {
		return q, err
	}
	q.Cursor = cursor
	return q, nil
}

// caller resolves the authenticated user and the {provider} path segment, writing the error
// response itself when either is unusable.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (*auth.Claims, domain.Provider, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		httptransport.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, "", false
	}
	provider, err := domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		httptransport.WriteError(w, http.StatusBadRequest, "unsupported_provider", err.Error())
		return nil, "", false
	}
	return claims, provider, true
}

// decodeOptionalBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptionalBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("unable to parse body")
	}
	return nil
}

func toConnectionView(c domain.Connection) ConnectionView {
	return ConnectionView{
		ID:             c.ID,
		Provider:       string(c.Provider),
		ProviderUserID: c.ProviderUserID,
		Status:         string(c.Status),
		Healthy:        c.Healthy(),
		ConnectedAt:    c.ConnectedAt,
		LastSyncedAt:   c.LastSyncedAt,
		LastError:      c.LastError,
		LastErrorAt:    c.LastErrorAt,
	}
}

package webhook

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	httptransport "github.com/the-governor-hq/bodyPress-backend/internal/transport/http"
)

// Handler serves the provider webhook endpoints.
type Handler struct {
	translator     *Translator
	garmin         *Verifier
	fitbit         *Verifier
	subscriberCode string
	logger         *zap.Logger
}

// NewHandler constructs a Handler. An empty subscriberCode makes every Fitbit verification probe fail.
func NewHandler(translator *Translator, garmin, fitbit *Verifier, subscriberCode string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		translator:     translator,
		garmin:         garmin,
		fitbit:         fitbit,
		subscriberCode: subscriberCode,
		logger:         logger.Named("webhook"),
	}
}

// Routes returns the webhook router, meant to be mounted at /webhooks without auth middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(h.garmin.Middleware).Post("/garmin", h.handleGarmin)
	r.Get("/fitbit", h.handleFitbitVerify)
	r.With(h.fitbit.Middleware).Post("/fitbit", h.handleFitbit)
	return r
}

type garminResponse struct {
	Received bool `json:"received"`
	Queued   int  `json:"queued"`
}

// handleGarmin answers 200 with the number of queued jobs. Malformed bodies are acknowledged with
// zero jobs; only infrastructure failures return 500 so Garmin redelivers.
func (h *Handler) handleGarmin(w http.ResponseWriter, r *http.Request) {
	body, ok := RawBody(r.Context())
	if !ok {
		httptransport.WriteError(w, http.StatusBadRequest, "bad_request", "raw request body unavailable")
		return
	}
	receivedCounter.WithLabelValues(string(domain.ProviderGarmin)).Inc()

	ids, err := DecodeGarmin(body)
	if err != nil {
		h.logger.Warn("unparseable garmin notification", zap.Error(err), zap.Int("bytes", len(body)))
		httptransport.WriteJSON(w, http.StatusOK, garminResponse{Received: true})
		return
	}

	queued, err := h.translator.Translate(r.Context(), domain.ProviderGarmin, ids)
	if err != nil {
		h.logger.Error("garmin notification not translated", zap.Error(err), zap.Int("queued", queued))
		httptransport.WriteError(w, http.StatusInternalServerError, "internal_error", "notification could not be processed")
		return
	}

	h.logger.Info("garmin notification processed", zap.Int("users", len(ids)), zap.Int("queued", queued))
	httptransport.WriteJSON(w, http.StatusOK, garminResponse{Received: true, Queued: queued})
}

// handleFitbitVerify answers Fitbit's subscriber verification challenge.
func (h *Handler) handleFitbitVerify(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("verify")
	if h.subscriberCode == "" || code == "" || subtle.ConstantTimeCompare([]byte(code), []byte(h.subscriberCode)) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFitbit always answers 204 once the signature is valid; failures are only logged.
func (h *Handler) handleFitbit(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)

	body, ok := RawBody(r.Context())
	if !ok {
		h.logger.Error("fitbit notification reached handler without raw body")
		return
	}
	receivedCounter.WithLabelValues(string(domain.ProviderFitbit)).Inc()

	ids, err := DecodeFitbit(body)
	if err != nil {
		h.logger.Warn("unparseable fitbit notification", zap.Error(err), zap.Int("bytes", len(body)))
		return
	}

	queued, err := h.translator.Translate(r.Context(), domain.ProviderFitbit, ids)
	if err != nil {
		h.logger.Error("fitbit notification not fully translated", zap.Error(err), zap.Int("queued", queued))
		return
	}
	h.logger.Info("fitbit notification processed", zap.Int("users", len(ids)), zap.Int("queued", queued))
}

package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
)

// ConnectionResolver maps a provider-side user id to its active connection.
type ConnectionResolver interface {
	FindActiveByProviderUser(ctx context.Context, provider domain.Provider, providerUserID string) (*domain.Connection, error)
}

// Enqueuer adds jobs to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...jobs.EnqueueOption) (string, error)
}

// Translator turns notified provider user ids into SYNC jobs.
type Translator struct {
	connections ConnectionResolver
	queue       Enqueuer
	logger      *zap.Logger
}

// NewTranslator constructs a Translator.
func NewTranslator(connections ConnectionResolver, queue Enqueuer, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{connections: connections, queue: queue, logger: logger.Named("webhook")}
}

// Translate enqueues one SYNC job per id with an active connection and returns how many were
// queued. Ids without an active connection are logged and skipped. The jobs carry no window, so
// the worker applies the default trailing window.
func (t *Translator) Translate(ctx context.Context, provider domain.Provider, providerUserIDs []string) (int, error) {
	queued := 0
	for _, providerUserID := range providerUserIDs {
		conn, err := t.connections.FindActiveByProviderUser(ctx, provider, providerUserID)
		if errors.Is(err, domain.ErrConnectionNotFound) {
			unknownCounter.WithLabelValues(string(provider)).Inc()
			t.logger.Warn("no active connection for notified user",
				zap.String("provider", string(provider)),
				zap.String("provider_user_id", providerUserID))
			continue
		}
		if err != nil {
			return queued, fmt.Errorf("resolve %s user %s: %w", provider, providerUserID, err)
		}

		jobID, err := t.queue.Enqueue(ctx, domain.JobSync, domain.SyncPayload{UserID: conn.UserID, Provider: provider})
		if err != nil {
			return queued, fmt.Errorf("enqueue sync for %s/%s: %w", conn.UserID, provider, err)
		}
		queued++
		queuedCounter.WithLabelValues(string(provider)).Inc()
		t.logger.Debug("sync queued from webhook",
			zap.String("provider", string(provider)),
			zap.String("user_id", conn.UserID),
			zap.String("job_id", jobID))
	}
	return queued, nil
}

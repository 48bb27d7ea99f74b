package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
)

type stubResolver struct {
	byProviderUser map[string]domain.Connection
	err            error
}

func (s *stubResolver) FindActiveByProviderUser(_ context.Context, p domain.Provider, providerUserID string) (*domain.Connection, error) {
	if s.err != nil {
		return nil, s.err
	}
	conn, ok := s.byProviderUser[string(p)+":"+providerUserID]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	return &conn, nil
}

type recordingQueue struct {
	payloads []domain.SyncPayload
	err      error
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, payload any, _ ...jobs.EnqueueOption) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	if name != domain.JobSync {
		return "", errors.New("unexpected job " + name)
	}
	q.payloads = append(q.payloads, payload.(domain.SyncPayload))
	return "job-1", nil
}

const (
	garminSecret = "garmin-secret"
	fitbitSecret = "fitbit-secret"
	subscriber   = "sub-code-123"
)

func newTestHandler(t *testing.T, resolver *stubResolver, queue *recordingQueue) (http.Handler, *Verifier, *Verifier) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	garmin := NewGarminVerifier(garminSecret, false, logger)
	fitbit := NewFitbitVerifier(fitbitSecret, false, logger)
	h := NewHandler(NewTranslator(resolver, queue, logger), garmin, fitbit, subscriber, logger)
	return h.Routes(), garmin, fitbit
}

func knownUsers() *stubResolver {
	return &stubResolver{byProviderUser: map[string]domain.Connection{
		"garmin:G-1": {ID: "c-1", UserID: "user-1", Provider: domain.ProviderGarmin, Status: domain.ConnectionActive},
		"garmin:G-2": {ID: "c-2", UserID: "user-2", Provider: domain.ProviderGarmin, Status: domain.ConnectionActive},
		"fitbit:F-1": {ID: "c-3", UserID: "user-1", Provider: domain.ProviderFitbit, Status: domain.ConnectionActive},
	}}
}

func signedRequest(path, header, signature, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, signature)
	return req
}

func decodeGarmin(t *testing.T, rec *httptest.ResponseRecorder) garminResponse {
	t.Helper()
	var resp garminResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestGarminWebhook(t *testing.T) {
	cases := map[string]struct {
		body       string
		wantQueued int
		wantUsers  []string
	}{
		"same user in three sections yields one job": {
			body:       `{"activities":[{"userId":"G-1"}],"sleeps":[{"userId":"G-1"}],"dailies":[{"userId":"G-1"}]}`,
			wantQueued: 1,
			wantUsers:  []string{"user-1"},
		},
		"distinct users are queued separately": {
			body:       `{"epochs":[{"userId":"G-1"},{"userId":"G-2"}],"hrv":[{"userId":"G-2"}]}`,
			wantQueued: 2,
			wantUsers:  []string{"user-1", "user-2"},
		},
		"unknown user is skipped": {
			body:       `{"activities":[{"userId":"G-404"}]}`,
			wantQueued: 0,
		},
		"empty payload": {
			body:       `{}`,
			wantQueued: 0,
		},
		"unparseable payload": {
			body:       `not json`,
			wantQueued: 0,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			queue := &recordingQueue{}
			router, garmin, _ := newTestHandler(t, knownUsers(), queue)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, signedRequest("/garmin", GarminSignatureHeader, garmin.Sign([]byte(tc.body)), tc.body))

			require.Equal(t, http.StatusOK, rec.Code)
			resp := decodeGarmin(t, rec)
			require.True(t, resp.Received)
			require.Equal(t, tc.wantQueued, resp.Queued)
			require.Len(t, queue.payloads, tc.wantQueued)
			for i, user := range tc.wantUsers {
				require.Equal(t, user, queue.payloads[i].UserID)
				require.Equal(t, domain.ProviderGarmin, queue.payloads[i].Provider)
				require.Empty(t, queue.payloads[i].StartDate)
			}
		})
	}
}

func TestGarminWebhookRejectsBadSignatureWithoutQueueing(t *testing.T) {
	queue := &recordingQueue{}
	router, garmin, _ := newTestHandler(t, knownUsers(), queue)
	body := `{"activities":[{"userId":"G-1"}]}`
	signature := []byte(garmin.Sign([]byte(body)))
	signature[0] ^= 0x01

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest("/garmin", GarminSignatureHeader, string(signature), body))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, queue.payloads)
}

func TestGarminWebhookReportsInfrastructureFailures(t *testing.T) {
	queue := &recordingQueue{err: errors.New("pool closed")}
	router, garmin, _ := newTestHandler(t, knownUsers(), queue)
	body := `{"activities":[{"userId":"G-1"}]}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest("/garmin", GarminSignatureHeader, garmin.Sign([]byte(body)), body))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFitbitWebhook(t *testing.T) {
	cases := map[string]struct {
		body       string
		resolver   *stubResolver
		queueErr   error
		wantQueued int
	}{
		"owners are deduplicated": {
			body:       `[{"collectionType":"activities","date":"2026-03-01","ownerId":"F-1","ownerType":"user","subscriptionId":"s"},{"collectionType":"sleep","date":"2026-03-01","ownerId":"F-1","ownerType":"user","subscriptionId":"s"}]`,
			resolver:   knownUsers(),
			wantQueued: 1,
		},
		"unknown owner": {
			body:     `[{"collectionType":"sleep","ownerId":"F-404"}]`,
			resolver: knownUsers(),
		},
		"empty array":    {body: `[]`, resolver: knownUsers()},
		"not an array":   {body: `{"ownerId":"F-1"}`, resolver: knownUsers()},
		"lookup failure": {body: `[{"ownerId":"F-1"}]`, resolver: &stubResolver{err: errors.New("db down")}},
		"enqueue failure": {
			body:     `[{"ownerId":"F-1"}]`,
			resolver: knownUsers(),
			queueErr: errors.New("pool closed"),
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			queue := &recordingQueue{err: tc.queueErr}
			router, _, fitbit := newTestHandler(t, tc.resolver, queue)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, signedRequest("/fitbit", FitbitSignatureHeader, fitbit.Sign([]byte(tc.body)), tc.body))

			require.Equal(t, http.StatusNoContent, rec.Code)
			require.Empty(t, rec.Body.String())
			require.Len(t, queue.payloads, tc.wantQueued)
		})
	}
}

func TestFitbitVerificationChallenge(t *testing.T) {
	router, _, _ := newTestHandler(t, knownUsers(), &recordingQueue{})

	cases := map[string]struct {
		target string
		want   int
	}{
		"matching code": {"/fitbit?verify=" + subscriber, http.StatusNoContent},
		"wrong code":    {"/fitbit?verify=guess", http.StatusNotFound},
		"missing code":  {"/fitbit", http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.target, nil))
			require.Equal(t, tc.want, rec.Code)
		})
	}

	unconfigured := NewHandler(NewTranslator(knownUsers(), &recordingQueue{}, nil),
		NewGarminVerifier(garminSecret, false, nil), NewFitbitVerifier(fitbitSecret, false, nil), "", nil)
	rec := httptest.NewRecorder()
	unconfigured.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fitbit?verify=", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecodeGarminCoversEverySection(t *testing.T) {
	body := `{"activities":[{"userId":"a"}],"activityDetails":[{"userId":"b"}],"dailies":[{"userId":"c"}],
		"epochs":[{"userId":"d"}],"sleeps":[{"userId":"e"}],"bodyComps":[{"userId":"f"}],"stressDetails":[{"userId":"g"}],
		"userMetrics":[{"userId":"h"}],"moveIQ":[{"userId":"i"}],"pulseOx":[{"userId":"j"}],"respiration":[{"userId":"k"}],
		"hrv":[{"userId":"l"},{"userId":""},{"userId":"a"}]}`
	ids, err := DecodeGarmin([]byte(body))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}, ids)
}

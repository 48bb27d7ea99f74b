package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleBody = `{"dailies":[{"userId":"G-1"}]}`

func TestSignMatchesKnownVectors(t *testing.T) {
	garmin := NewGarminVerifier("garmin-secret", false, nil)
	require.Equal(t, "e23b4842486204bd17d8dff1240d0f1be7fee979", garmin.Sign([]byte(sampleBody)))

	fitbit := NewFitbitVerifier("fitbit-secret", false, nil)
	require.Equal(t, "aZJXSu/PtXnEdyO3VTt9AM1FAN8=", fitbit.Sign([]byte(sampleBody)))
}

func TestVerifyRejectsAnyFlippedByte(t *testing.T) {
	for _, v := range []*Verifier{NewGarminVerifier("s3cret", false, nil), NewFitbitVerifier("s3cret", false, nil)} {
		body := []byte(sampleBody)
		signature := v.Sign(body)
		require.True(t, v.Verify(body, signature))

		for i := range signature {
			flipped := []byte(signature)
			flipped[i] ^= 0x01
			require.Falsef(t, v.Verify(body, string(flipped)), "%s signature byte %d", v.provider, i)
		}
		for i := range body {
			flipped := bytes.Clone(body)
			flipped[i] ^= 0x01
			require.Falsef(t, v.Verify(flipped, signature), "%s body byte %d", v.provider, i)
		}
	}
}

func TestMiddleware(t *testing.T) {
	var seen []byte
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := RawBody(r.Context())
		require.True(t, ok)
		seen = body
		w.WriteHeader(http.StatusTeapot)
	})

	cases := map[string]struct {
		verifier  *Verifier
		signature string
		want      int
	}{
		"valid signature":             {NewGarminVerifier("garmin-secret", false, zaptest.NewLogger(t)), "e23b4842486204bd17d8dff1240d0f1be7fee979", http.StatusTeapot},
		"missing signature":           {NewGarminVerifier("garmin-secret", false, zaptest.NewLogger(t)), "", http.StatusUnauthorized},
		"wrong signature":             {NewGarminVerifier("garmin-secret", false, zaptest.NewLogger(t)), "deadbeef", http.StatusUnauthorized},
		"unsigned without opt-in":     {NewGarminVerifier("", false, zaptest.NewLogger(t)), "", http.StatusUnauthorized},
		"unsigned with opt-in":        {NewGarminVerifier("", true, zaptest.NewLogger(t)), "", http.StatusTeapot},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/webhooks/garmin", strings.NewReader(sampleBody))
			if tc.signature != "" {
				req.Header.Set(GarminSignatureHeader, tc.signature)
			}
			rec := httptest.NewRecorder()
			tc.verifier.Middleware(next).ServeHTTP(rec, req)

			require.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusTeapot {
				require.Equal(t, sampleBody, string(seen))
			} else {
				require.Nil(t, seen)
			}
		})
	}
}

func TestMiddlewareRejectsOversizedBodies(t *testing.T) {
	v := NewFitbitVerifier("fitbit-secret", false, zaptest.NewLogger(t))
	body := strings.Repeat("x", maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/fitbit", strings.NewReader(body))
	req.Header.Set(FitbitSignatureHeader, "anything")
	rec := httptest.NewRecorder()

	v.Middleware(http.NotFoundHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// Package webhook receives provider push notifications, verifies their signatures and turns
// them into SYNC jobs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	httptransport "github.com/the-governor-hq/bodyPress-backend/internal/transport/http"
)

// Signature headers.
const (
	GarminSignatureHeader = "X-Garmin-Signature"
	FitbitSignatureHeader = "X-Fitbit-Signature"
)

// maxBodyBytes bounds a single notification body.
const maxBodyBytes = 5 << 20

type rawBodyKey struct{}

// RawBody returns the byte-exact request body captured by a Verifier.
func RawBody(ctx context.Context) ([]byte, bool) {
	body, ok := ctx.Value(rawBodyKey{}).([]byte)
	return body, ok
}

// Verifier checks HMAC-SHA1 signatures keyed by clientSecret + "&" over the raw body.
type Verifier struct {
	provider      domain.Provider
	header        string
	secret        string
	encode        func([]byte) string
	allowUnsigned bool
	logger        *zap.Logger
}

// NewGarminVerifier verifies hex encoded signatures in X-Garmin-Signature.
func NewGarminVerifier(clientSecret string, allowUnsigned bool, logger *zap.Logger) *Verifier {
	return newVerifier(domain.ProviderGarmin, GarminSignatureHeader, clientSecret, hex.EncodeToString, allowUnsigned, logger)
}

// NewFitbitVerifier verifies base64 encoded signatures in X-Fitbit-Signature.
func NewFitbitVerifier(clientSecret string, allowUnsigned bool, logger *zap.Logger) *Verifier {
	return newVerifier(domain.ProviderFitbit, FitbitSignatureHeader, clientSecret, base64.StdEncoding.EncodeToString, allowUnsigned, logger)
}

func newVerifier(p domain.Provider, header, secret string, encode func([]byte) string, allowUnsigned bool, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Verifier{
		provider:      p,
		header:        header,
		secret:        secret,
		encode:        encode,
		allowUnsigned: allowUnsigned,
		logger:        logger.Named("webhook").With(zap.String("provider", string(p))),
	}
	if secret == "" && allowUnsigned {
		v.logger.Warn("webhook secret not configured, accepting UNSIGNED notifications; never run this in production")
	}
	return v
}

// Sign returns the encoded signature for body.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha1.New, []byte(v.secret+"&"))
	mac.Write(body)
	return v.encode(mac.Sum(nil))
}

// Verify reports whether signature matches body, in constant time.
func (v *Verifier) Verify(body []byte, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(v.Sign(body)))
}

// Middleware captures the raw body, verifies the signature header and stores the body in the
// request context for the next handler.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unsigned := v.secret == ""
		if unsigned && !v.allowUnsigned {
			v.reject("not_configured")
			v.logger.Error("webhook rejected: no secret configured and unsigned notifications are not allowed")
			httptransport.WriteError(w, http.StatusUnauthorized, "unauthenticated", "webhook signature cannot be verified")
			return
		}

		signature := r.Header.Get(v.header)
		if signature == "" && !unsigned {
			v.reject("missing_signature")
			v.logger.Warn("webhook rejected: missing signature header", zap.String("header", v.header))
			httptransport.WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing "+v.header+" header")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		r.Body.Close()
		if err != nil {
			v.reject("unreadable_body")
			var tooLarge *http.MaxBytesError
			v.logger.Warn("webhook rejected: raw body unavailable", zap.Error(err), zap.Bool("too_large", errors.As(err, &tooLarge)))
			httptransport.WriteError(w, http.StatusBadRequest, "bad_request", "raw request body unavailable")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if unsigned {
			v.logger.Warn("webhook signature NOT verified", zap.Int("bytes", len(body)))
		} else if !v.Verify(body, signature) {
			v.reject("invalid_signature")
			v.logger.Warn("webhook rejected: signature mismatch", zap.String("signature", signature), zap.Int("bytes", len(body)))
			httptransport.WriteError(w, http.StatusUnauthorized, "unauthenticated", "invalid webhook signature")
			return
		}

		ctx := context.WithValue(r.Context(), rawBodyKey{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (v *Verifier) reject(reason string) {
	rejectedCounter.WithLabelValues(string(v.provider), reason).Inc()
}

// Package webhook authenticates the internal ingress that domain services
// use to report changes to the hub.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	SignatureHeader = "X-Calpush-Signature"
	TimestampHeader = "X-Calpush-Timestamp"
	NonceHeader     = "X-Calpush-Nonce"

	// DefaultMaxAge is how old a signed request may be.
	DefaultMaxAge = 5 * time.Minute

	// NonceExpiry is how long nonces are remembered. It must exceed the
	// maximum age plus the allowed clock skew.
	NonceExpiry = 10 * time.Minute

	// MaxBodyBytes bounds the signed body.
	MaxBodyBytes = 1 << 20

	futureSkew      = time.Minute
	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature  = errors.New("missing signature header")
	ErrInvalidSignature  = errors.New("invalid signature format")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrMissingTimestamp  = errors.New("missing timestamp header")
	ErrInvalidTimestamp  = errors.New("invalid timestamp format")
	ErrExpiredRequest    = errors.New("request expired")
	ErrFutureRequest     = errors.New("request timestamp in future")
	ErrMissingNonce      = errors.New("missing nonce header")
	ErrReplayedNonce     = errors.New("replayed nonce detected")
	ErrBodyTooLarge      = errors.New("request body too large")
	ErrNoSecret          = errors.New("webhook secret is not configured")
)

// Verifier checks HMAC-SHA256 signatures over "timestamp.nonce.body".
type Verifier struct {
	secret     []byte
	maxAge     time.Duration
	nonceStore *NonceStore
	now        func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:     []byte(secret),
		maxAge:     DefaultMaxAge,
		nonceStore: NewNonceStore(NonceExpiry),
		now:        time.Now,
	}
}

// WithMaxAge sets the maximum age for signed requests.
func (v *Verifier) WithMaxAge(maxAge time.Duration) *Verifier {
	v.maxAge = maxAge
	return v
}

// VerifySignature compares the signature in constant time.
func (v *Verifier) VerifySignature(timestamp, nonce string, payload []byte, signature string) error {
	if len(v.secret) == 0 {
		return ErrNoSecret
	}
	if signature == "" {
		return ErrMissingSignature
	}
	provided, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return ErrInvalidSignature
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare(providedBytes, computeSignature(v.secret, timestamp, nonce, payload)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyTimestamp checks that a unix-seconds timestamp is recent.
func (v *Verifier) VerifyTimestamp(timestamp string) error {
	if timestamp == "" {
		return ErrMissingTimestamp
	}
	seconds, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	requestTime := time.Unix(seconds, 0)
	now := v.now()
	if now.Sub(requestTime) > v.maxAge {
		return ErrExpiredRequest
	}
	if requestTime.Sub(now) > futureSkew {
		return ErrFutureRequest
	}
	return nil
}

// VerifyRequest checks timestamp, signature and nonce in that order. The
// nonce is only consumed once the signature is known to be valid.
func (v *Verifier) VerifyRequest(payload []byte, signature, timestamp, nonce string) error {
	if err := v.VerifyTimestamp(timestamp); err != nil {
		return err
	}
	if nonce == "" {
		return ErrMissingNonce
	}
	if err := v.VerifySignature(timestamp, nonce, payload, signature); err != nil {
		return err
	}
	if !v.nonceStore.Claim(nonce) {
		return ErrReplayedNonce
	}
	return nil
}

func computeSignature(secret []byte, timestamp, nonce string, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign returns the signature header value for a request. Producers and
// tests use it.
func Sign(secret, timestamp, nonce string, payload []byte) string {
	return signaturePrefix + hex.EncodeToString(computeSignature([]byte(secret), timestamp, nonce, payload))
}

// SignRequest sets the signature headers on req for body.
func SignRequest(req *http.Request, secret, nonce string, body []byte, now time.Time) {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(TimestampHeader, timestamp)
	req.Header.Set(NonceHeader, nonce)
	req.Header.Set(SignatureHeader, Sign(secret, timestamp, nonce, body))
}

// NonceStore remembers recently used nonces.
type NonceStore struct {
	mu      sync.Mutex
	nonces  map[string]time.Time
	expiry  time.Duration
	now     func() time.Time
	cleanup time.Time
}

func NewNonceStore(expiry time.Duration) *NonceStore {
	return &NonceStore{
		nonces: make(map[string]time.Time),
		expiry: expiry,
		now:    time.Now,
	}
}

// Claim records nonce and reports whether it was unused.
func (s *NonceStore) Claim(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.cleanup) > time.Minute {
		for seen, recorded := range s.nonces {
			if now.Sub(recorded) > s.expiry {
				delete(s.nonces, seen)
			}
		}
		s.cleanup = now
	}

	if recorded, ok := s.nonces[nonce]; ok && now.Sub(recorded) <= s.expiry {
		return false
	}
	s.nonces[nonce] = now
	return true
}

// Len returns the number of remembered nonces.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}

// Middleware rejects requests that are not signed with the shared secret.
type Middleware struct {
	verifier *Verifier
	onError  func(w http.ResponseWriter, err error)
}

func NewMiddleware(secret string) *Middleware {
	return &Middleware{
		verifier: NewVerifier(secret),
		onError:  defaultErrorHandler,
	}
}

// WithErrorHandler sets a custom error handler.
func (m *Middleware) WithErrorHandler(handler func(w http.ResponseWriter, err error)) *Middleware {
	m.onError = handler
	return m
}

// Handler wraps next with signature verification. The body is restored for
// next after verification.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err == nil {
			err = m.verifier.VerifyRequest(
				body,
				r.Header.Get(SignatureHeader),
				strings.TrimSpace(r.Header.Get(TimestampHeader)),
				strings.TrimSpace(r.Header.Get(NonceHeader)),
			)
		}
		if err != nil {
			m.onError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	_ = r.Body.Close()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, ErrBodyTooLarge
		}
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func defaultErrorHandler(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNoSecret):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrMissingSignature),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrSignatureMismatch),
		errors.Is(err, ErrMissingTimestamp),
		errors.Is(err, ErrInvalidTimestamp),
		errors.Is(err, ErrExpiredRequest),
		errors.Is(err, ErrFutureRequest),
		errors.Is(err, ErrMissingNonce),
		errors.Is(err, ErrReplayedNonce):
		status = http.StatusUnauthorized
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

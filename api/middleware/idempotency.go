package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/packfinderz-ledger/api/responses"
	pkgerrors "github.com/angelmondragon/packfinderz-ledger/pkg/errors"
	"github.com/angelmondragon/packfinderz-ledger/pkg/logger"
	pkgredis "github.com/angelmondragon/packfinderz-ledger/pkg/redis"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
	// inFlightTTL bounds how long a crashed request blocks its key.
	inFlightTTL       = time.Minute
	maxIdempotencyKey = 255
	maxReplayBody     = 1 << 20
	pendingPrefix     = "pending:"
)

// replayedHeaders are copied from the first response onto replays.
var replayedHeaders = []string{"Content-Type", "Location"}

type storedResponse struct {
	Status      int               `json:"status"`
	Body        []byte            `json:"body"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Idempotency makes mutating requests safe to retry. The first request with
// a given Idempotency-Key runs the handler and its response is kept for ttl;
// later requests with the same key and body get that response back. A
// concurrent duplicate is rejected while the first is still running. Server
// errors and errors whose code is retryable are not kept, so the client can
// retry with the same key.
// Safe methods pass through untouched.
func Idempotency(store pkgredis.IdempotencyStore, ttl time.Duration, logg *logger.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			switch {
			case clientKey == "":
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, IdempotencyKeyHeader+" header required"))
				return
			case len(clientKey) > maxIdempotencyKey:
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, IdempotencyKeyHeader+" header too long"))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxReplayBody))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			key := store.IdempotencyKey(idempotencyScope(r), clientKey)
			requestHash := hashRequest(body)
			marker := pendingPrefix + uuid.NewString()

			claimed, err := store.SetNX(ctx, key, marker, inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !claimed {
				replayStored(ctx, w, store, key, requestHash, logg)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			stored := false
			defer func() {
				if stored {
					return
				}
				if _, relErr := store.DelIfValue(context.WithoutCancel(ctx), key, marker); relErr != nil {
					logError(ctx, logg, "release idempotency key", relErr)
				}
			}()

			next.ServeHTTP(capture, r)

			status := capture.statusCode()
			if status >= http.StatusInternalServerError || retryableError(status, capture.body.Bytes()) {
				return
			}
			record := storedResponse{
				Status:      status,
				Body:        capture.body.Bytes(),
				RequestHash: requestHash,
				StoredAt:    time.Now().UTC(),
			}
			for _, name := range replayedHeaders {
				if v := capture.Header().Get(name); v != "" {
					if record.Headers == nil {
						record.Headers = map[string]string{}
					}
					record.Headers[name] = v
				}
			}
			payload, err := json.Marshal(record)
			if err != nil {
				logError(ctx, logg, "encode idempotent response", err)
				return
			}
			if err := store.Set(context.WithoutCancel(ctx), key, string(payload), ttl); err != nil {
				logError(ctx, logg, "store idempotent response", err)
				return
			}
			stored = true
		})
	}
}

// retryableError reports whether a client error response carries an error
// code the caller is expected to retry, such as a lost version race.
func retryableError(status int, body []byte) bool {
	if status < http.StatusBadRequest {
		return false
	}
	var envelope struct {
		Error struct {
			Code pkgerrors.Code `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
		return false
	}
	return pkgerrors.MetadataFor(envelope.Error.Code).Retryable
}

// replayStored answers a request whose key is already taken.
func replayStored(ctx context.Context, w http.ResponseWriter, store pkgredis.IdempotencyStore, key, requestHash string, logg *logger.Logger) {
	raw, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, redis.Nil), err == nil && strings.HasPrefix(raw, pendingPrefix):
		w.Header().Set("Retry-After", "1")
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "a request with this "+IdempotencyKeyHeader+" is still in progress"))
		return
	case err != nil:
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotent response"))
		return
	}

	var record storedResponse
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotent response"))
		return
	}
	if record.RequestHash != requestHash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, IdempotencyKeyHeader+" reused with a different request body"))
		return
	}
	for name, value := range record.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write(record.Body)
}

// idempotencyScope keeps keys private to the caller and the route they were
// first used on.
func idempotencyScope(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return strings.Join([]string{
		UserIDFromContext(r.Context()),
		VendorIDFromContext(r.Context()),
		r.Method,
		path,
	}, "|")
}

func hashRequest(body []byte) string {
	sum := sha256.Sum256(bytes.TrimSpace(body))
	return hex.EncodeToString(sum[:])
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}

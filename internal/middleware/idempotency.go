package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	idempotencyHeader = "Idempotency-Key"

	// maxReplayBody caps what gets cached; larger responses are served but
	// not made replayable.
	maxReplayBody = 1 << 20
)

// replayEntry is one cached response in the KV bucket.
type replayEntry struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
}

// Idempotency deduplicates mutating requests that carry an
// Idempotency-Key header: the first response is cached in the KV bucket
// and replayed for every repeat of the same key against the same
// endpoint. Server errors are never cached, so a retry after a 5xx
// reaches the handler again.
func Idempotency(kv jetstream.KeyValue) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get(idempotencyHeader) == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := replayKey(r)
			if entry, err := kv.Get(r.Context(), key); err == nil {
				if replay(w, entry.Value()) {
					return
				}
				slog.Warn("idempotency: corrupt cache entry", "key", key)
			}

			rec := &replayRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError || rec.body.Len() > maxReplayBody {
				return
			}
			data, err := json.Marshal(replayEntry{
				StatusCode: rec.statusCode,
				Headers:    w.Header().Clone(),
				Body:       rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if _, err := kv.Put(r.Context(), key, data); err != nil {
				slog.Warn("idempotency: store response", "key", key, "error", err)
			}
		})
	}
}

// replayKey derives the KV key from method, path, and the client-supplied
// key. Scoping to the endpoint keeps one key from replaying a response
// across different operations, and hashing keeps arbitrary client input
// out of the KV key space.
func replayKey(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.Method + " " + r.URL.Path + " " + r.Header.Get(idempotencyHeader)))
	return hex.EncodeToString(sum[:])
}

// replay writes a cached entry to w. Returns false if the entry cannot be
// decoded.
func replay(w http.ResponseWriter, data []byte) bool {
	var cached replayEntry
	if err := json.Unmarshal(data, &cached); err != nil {
		return false
	}
	for k, vals := range cached.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}

// replayRecorder tees the response so it can be cached after serving.
type replayRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *replayRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *replayRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

package opshttp

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/xerrors"
)

// HealthHandler serves the aggregated health report: 200 when healthy,
// 503 when not, 500 when no report could be produced. The body is
// encoded before the status is written so a failed encode never leaves
// a truncated 200 behind.
func HealthHandler(fn HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		if fn == nil {
			writeJSONError(w, http.StatusInternalServerError, "health source not configured")
			return
		}
		snap, err := fn(ctx)
		if err != nil {
			L.Error(ctx, xerrors.Wrap(err, "compute health snapshot"), "health check failed")
			writeJSONError(w, http.StatusInternalServerError, "health check failed")
			return
		}

		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(snap); err != nil {
			L.Error(ctx, xerrors.Wrap(err, "encode health snapshot"), "health check failed")
			writeJSONError(w, http.StatusInternalServerError, "health check failed")
			return
		}

		status := http.StatusOK
		if !snap.Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_, _ = w.Write(buf.Bytes())
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	body, _ := json.Marshal(map[string]string{"status": "error", "error": msg})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

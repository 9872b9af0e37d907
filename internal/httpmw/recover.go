package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/therealbill/prober/internal/log"
	"github.com/therealbill/prober/internal/xerrors"
)

// Recover turns a handler panic into a logged error and a 500. onPanic,
// if set, runs after logging. http.ErrAbortHandler is re-raised so the
// server can drop the connection as intended.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}

				err, ok := p.(error)
				if !ok {
					err = fmt.Errorf("%v", p)
				}
				L.Error(r.Context(), xerrors.WithStack(err), "panic serving request",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

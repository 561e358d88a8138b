package gcstats

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/orizon-lang/slidingrc/internal/chunk"
	"github.com/orizon-lang/slidingrc/internal/collector"
	"github.com/orizon-lang/slidingrc/internal/heap"
)

// StartHTTP starts a lightweight diagnostics server exposing the current
// Snapshot as JSON at GET /gcstats: one mux route, a snapshot function, a
// shutdown-compatible close. It uses the standard library's net/http
// directly rather than a QUIC/HTTP3 transport: nothing in this collector
// crosses a network boundary the way an actor system's message bus does,
// so there is no socket for this endpoint to ride on top of.
func StartHTTP(addr string, hm *heap.Manager, cm *chunk.Manager, coll *collector.Collector) (func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gcstats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		snap := Collect(hm, cm, coll)
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(snap)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	errC := make(chan error, 1)
	go func() { errC <- srv.ListenAndServe() }()

	return srv.Shutdown, nil
}

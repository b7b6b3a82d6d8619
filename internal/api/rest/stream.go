package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kubently/kubently/internal/api/middleware"
	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/metrics"
	"github.com/kubently/kubently/internal/repository"
)

// heartbeatSeq is the server-side monotonic id sent with connected/ping
// events, shared across all streams in the process.
var heartbeatSeq atomic.Uint64

// streamPullWait bounds the blocking pull done after each notification so a
// raced-away command (taken by a long-poller) cannot stall the stream loop.
const streamPullWait = time.Second

// Stream handles GET /executor/stream: the primary delivery path. One SSE
// stream per connected executor; queued commands are drained on connect so
// nothing pushed before the subscription is lost, then each pub/sub
// notification triggers a pull and one `command` event per item.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	clusterID, _ := middleware.ClusterIDFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming unsupported")
		return
	}

	notify, cancel, err := h.notifier.Subscribe(r.Context(), repository.CommandChannel(clusterID))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.ExecutorStreamsActive.Inc()
	defer metrics.ExecutorStreamsActive.Dec()

	pingInterval := time.Duration(h.cfg.PingIntervalSec) * time.Second
	sw := &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w), deadline: pingInterval}

	if err := sw.event("connected", map[string]interface{}{
		"cluster_id":   clusterID,
		"heartbeat_id": heartbeatSeq.Add(1),
	}); err != nil {
		return
	}

	// Drain anything pushed before the subscription came up.
	if !h.emitPending(r, sw, clusterID, 0) {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case _, open := <-notify:
			if !open {
				// Notifier shut down (coordinator stopping).
				_ = sw.event("error", map[string]string{"reason": "server shutting down"})
				return
			}
			if !h.emitPending(r, sw, clusterID, streamPullWait) {
				return
			}
		case <-ping.C:
			if err := sw.event("ping", map[string]interface{}{
				"heartbeat_id": heartbeatSeq.Add(1),
			}); err != nil {
				return
			}
		}
	}
}

// emitPending pulls the queue and writes one command event per item. A false
// return means the client is gone or stalled; the caller drops the stream
// and the executor re-drains on reconnect.
func (h *Handler) emitPending(r *http.Request, sw *sseWriter, clusterID string, wait time.Duration) bool {
	for {
		cmds, err := h.queue.Pull(r.Context(), clusterID, wait)
		if err != nil || len(cmds) == 0 {
			return err == nil
		}
		for i := range cmds {
			if err := sw.command(&cmds[i]); err != nil {
				return false
			}
		}
		if wait > 0 {
			// One blocking pull per notification; anything more arrives with
			// its own edge.
			return true
		}
	}
}

// sseWriter serializes server-sent events with a per-write deadline so a
// congested client cannot block the loop past one ping interval.
type sseWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	rc       *http.ResponseController
	deadline time.Duration
}

func (s *sseWriter) event(kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.deadline)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) command(cmd *models.Command) error {
	return s.event("command", cmd)
}

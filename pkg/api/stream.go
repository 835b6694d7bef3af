package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"geocluster-map/pkg/cluster"
	"geocluster-map/pkg/scheduler"
)

const (
	streamBuffer    = 8
	streamKeepalive = 25 * time.Second
)

// handleFeatureStream pushes one SSE event per applied pass and an
// "error" event per failed one. Slow clients skip intermediate passes
// rather than blocking the scheduler's dispatcher.
func (h *Handler) handleFeatureStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	notices := make(chan scheduler.Notice, streamBuffer)
	unsubscribe := h.Engine.Subscribe(func(n scheduler.Notice) {
		select {
		case notices <- n:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Start with whatever is on screen now.
	if err := writeFeaturesEvent(w, 0, h.Engine.CurrentFeatures()); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case n := <-notices:
			if n.Err != nil {
				b, _ := json.Marshal(noticeEvent{Pass: n.Pass, Error: n.Err.Error()})
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", b)
			} else if err := writeFeaturesEvent(w, n.Pass, n.Features); err != nil {
				h.Logf("[api] stream: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeFeaturesEvent(w http.ResponseWriter, pass uint64, features []cluster.Feature) error {
	fc, err := cluster.ToGeoJSON(features).MarshalJSON()
	if err != nil {
		return err
	}
	b, err := json.Marshal(noticeEvent{Pass: pass, Features: fc})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: features\ndata: %s\n\n", b)
	return err
}

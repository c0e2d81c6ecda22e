package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mkarren/stepflow/pkg/api"
)

// ConsumerOptions tunes an SSE render loop.
type ConsumerOptions struct {
	// HeartbeatInterval is how long the loop may sit idle before writing a
	// heartbeat frame. Zero defaults to 15s.
	HeartbeatInterval time.Duration

	// MaxEvents ends the stream after this many data frames. Zero means
	// unlimited.
	MaxEvents int
}

// ServeSSE drains a subscription into w as server-sent-event frames
// ("data: {json}\n\n") until a terminal event is observed, MaxEvents is
// reached, or the subscription closes — in each case one final "complete"
// marker is written for clients. A cancelled context ends the stream
// without the marker. If w implements http.Flusher each frame is flushed.
func ServeSSE(ctx context.Context, w io.Writer, sub *Subscription, opts ConsumerOptions) error {
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	flusher, _ := w.(http.Flusher)
	count := 0

	writeFrame := func(ev api.StreamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode stream event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	finish := func() error {
		return writeFrame(api.StreamEvent{Type: api.EventComplete, Timestamp: time.Now().UTC()})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.Events():
			if !ok {
				return finish()
			}
			if err := writeFrame(ev); err != nil {
				return err
			}
			ticker.Reset(heartbeat)
			count++
			if ev.Terminal() {
				return finish()
			}
			if opts.MaxEvents > 0 && count >= opts.MaxEvents {
				return finish()
			}

		case <-ticker.C:
			hb := api.StreamEvent{Type: api.EventHeartbeat, Timestamp: time.Now().UTC()}
			if err := writeFrame(hb); err != nil {
				return err
			}
		}
	}
}

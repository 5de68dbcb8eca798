package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleEvents upgrades to a websocket and streams upload outcome events to
// the collection UI until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "events unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	s.logger.Debug("event subscriber connected", slog.Int("subscribers", s.hub.Subscribers()))

	ctx := r.Context()

	// Reads are discarded; the stream is one-way. The read loop's only job
	// is noticing the client going away.
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)

		for {
			if _, _, readErr := conn.Read(ctx); readErr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-readDone:
			return

		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}

			if writeErr := wsjson.Write(ctx, conn, ev); writeErr != nil {
				if !errors.Is(writeErr, context.Canceled) {
					s.logger.Debug("event write failed", slog.String("error", writeErr.Error()))
				}

				return
			}
		}
	}
}

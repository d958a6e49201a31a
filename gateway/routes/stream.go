package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/agustin125/securitize-smart-contracts/core/events"
)

const wsWriteTimeout = 10 * time.Second

type streamRoutes struct {
	feed           *events.Feed
	originPatterns []string
}

func (sr *streamRoutes) mount(r chi.Router) {
	r.Get("/events", sr.recent)
	r.Get("/events/ws", sr.subscribe)
}

func (sr *streamRoutes) recent(w http.ResponseWriter, r *http.Request) {
	limit, err := queryUint(r, "limit", 100)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": sr.feed.Recent(int(min(limit, 2048)))})
}

// subscribe streams events after the optional cursor query parameter.
func (sr *streamRoutes) subscribe(w http.ResponseWriter, r *http.Request) {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	patterns := sr.originPatterns
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := sr.stream(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (sr *streamRoutes) stream(ctx context.Context, conn *websocket.Conn, cursor string) error {
	updates, cancel, backlog := sr.feed.Subscribe(ctx, cursor)
	defer cancel()

	for _, record := range backlog {
		if err := writeRecord(ctx, conn, record); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeRecord(ctx, conn, record); err != nil {
				return err
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, record events.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

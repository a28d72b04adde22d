package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// handleLive streams bus events of one room as Server-Sent Events. The admin
// room requires admin credentials.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	switch {
	case room == model.RoomAdmin:
		if !h.isAdmin(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="autograder"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	case strings.HasPrefix(room, "user:"):
		if id, err := strconv.ParseInt(strings.TrimPrefix(room, "user:"), 10, 64); err != nil || id <= 0 {
			http.Error(w, "invalid room", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "invalid room", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.bus.Subscribe(room)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	slog.Debug("live client connected", "room", room, "remote", r.RemoteAddr)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Debug("live client gone", "room", room, "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data)
	return err
}

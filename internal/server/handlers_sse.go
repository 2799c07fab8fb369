package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// HandleMessage serves POST /sse/message: the conversation turn endpoint.
// The response is an SSE stream of JSON frames in the order
// start, text*, (memory_pending | clarification)?, done.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)

	var req model.MessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateMessage(req.Message); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	emit := func(frame model.StreamFrame) error {
		body, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := h.conversation.Turn(r.Context(), claims.UserID, req, emit)
	if errors.Is(err, storage.ErrIdempotencyInProgress) {
		// No frame has been written yet; a plain HTTP error is still possible.
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is in progress")
		return
	}
	// Other failures already produced a terminal error frame.
}

// HandleSubscribe serves GET /events/subscribe: a long-lived SSE stream of
// memory commits and conflict detections fanned out from LISTEN/NOTIFY.
// Clients use it instead of polling GET /memories/{id}.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	// Initial comment so proxies open the stream immediately.
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	claims := ClaimsFromContext(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			// Notifications are global; only forward this user's.
			if !eventForUser(event, claims.UserID.String()) {
				continue
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventForUser checks the user_id field inside an SSE-framed notification
// payload. Malformed payloads are dropped rather than leaked.
func eventForUser(event []byte, userID string) bool {
	idx := -1
	for i := 0; i+6 < len(event); i++ {
		if string(event[i:i+6]) == "data: " {
			idx = i + 6
			break
		}
	}
	if idx < 0 {
		return false
	}
	payload := event[idx:]
	if n := len(payload); n >= 2 {
		payload = payload[:n-2] // trailing \n\n
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return false
	}
	return body.UserID == userID
}

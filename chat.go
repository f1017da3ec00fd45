package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// handleSubscribe opens a server-sent-event stream over the requested
// channel's topic. The forwarding loop is the only blocking point in the
// core: it suspends on the subscriber handle and wakes on message arrival,
// overflow, topic closure, or client disconnect via the request context.
func (s *serverState) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	channelID, err := uuid.Parse(r.URL.Query().Get("channel"))
	if err != nil {
		http.Error(w, "channel id required", http.StatusBadRequest)
		return
	}

	ch, err := s.channelAccess(r.Context(), u.ID, channelID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	t := s.topics.get(ch.ID)
	if t == nil {
		// The channel row exists but no topic is registered: the registry
		// fell out of sync with storage. That is our bug, not the client's.
		writeError(w, r, errInternal(fmt.Errorf("no topic registered for channel %s", ch.ID)))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errInternal(errors.New("response writer does not support streaming")))
		return
	}

	sub := t.subscribe()
	defer sub.unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		msg, err := sub.next(r.Context())
		switch {
		case err == nil:
			writeSSE(w, "message", msg.Content)
			flusher.Flush()
		case errors.Is(err, errSubscriberLagged):
			// Messages lost to overflow are skipped, not replayed and not
			// reported downstream. The stream keeps going.
			continue
		case errors.Is(err, errTopicClosed):
			// Channel deleted: end the stream cleanly.
			return
		default:
			// Client went away.
			return
		}
	}
}

// writeSSE emits one event frame. Multi-line payloads get one data: line
// per line, as the protocol requires.
func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

type sendRequest struct {
	Channel uuid.UUID `json:"channel"`
	Message string    `json:"message"`
}

func (s *serverState) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Channel == uuid.Nil || req.Message == "" {
		http.Error(w, "channel and message are required", http.StatusBadRequest)
		return
	}

	ch, err := s.channelAccess(r.Context(), u.ID, req.Channel)
	if err != nil {
		writeError(w, r, err)
		return
	}

	t := s.topics.get(ch.ID)
	if t == nil {
		writeError(w, r, errInternal(fmt.Errorf("no topic registered for channel %s", ch.ID)))
		return
	}

	if err := s.saveMessage(r.Context(), ch.ID, u.ID, req.Message); err != nil {
		writeError(w, r, errInternal(err))
		return
	}

	// Nobody listening is fine; publish drops the message and moves on.
	t.publish(topicMessage{Author: u.Username, Content: req.Message})

	fmt.Fprint(w, "message has been sent")
}

package shellcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"
)

const (
	ActionSkipWaiting = "skipWaiting"
	ActionClearCache  = "clearCache"
)

// ErrUnknownAction is returned for messages with an action that is not handled.
// No reply is sent for them.
var ErrUnknownAction = errors.New("unknown action")

var errNoReply = errors.New("no reply")

// maximum size of a control message body
const maxMessageSize = 1 << 16

// Message is a control message from a page.
type Message struct {
	Action string `json:"action"`
}

// Reply is the answer to a handled control message.
type Reply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// MessageHandler serves control messages posted as JSON.
// Unknown actions and malformed messages are answered with 400.
func (wk *Worker) MessageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)

		var msg Message
		if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize)).Decode(&msg); err != nil {
			logger.Debug().Err(err).Msg("Malformed message")
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed message"})
			return
		}
		reply, err := wk.PostMessage(r.Context(), msg)
		switch {
		case errors.Is(err, ErrUnknownAction):
			logger.Debug().Str("action", msg.Action).Msg("Unknown action")
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case err != nil:
			logger.Error().Err(err).Str("action", msg.Action).Msg("Could not handle message")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, reply)
		}
	})
}

func (wk *Worker) handleMessage(ctx context.Context, ev *MessageEvent) error {
	wk.log.Debug().Str("action", ev.Data.Action).Msg("Received message")
	wk.metrics.message(ev.Data.Action)

	switch ev.Data.Action {
	case ActionSkipWaiting:
		// acknowledged once the flag is set, activation failures are reported as error events
		if wk.lifecycle.SkipWaiting() {
			if err := wk.Dispatch(ctx, ActivateEvent{}); err != nil {
				wk.reportError(err)
			}
		}
		ev.reply(ctx, Reply{Success: true})
	case ActionClearCache:
		if _, err := wk.lifecycle.ClearAll(ctx); err != nil {
			return err
		}
		ev.reply(ctx, Reply{Success: true, Message: "Cache cleared"})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, ev.Data.Action)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

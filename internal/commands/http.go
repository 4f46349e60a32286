package commands

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pinyinvox/pinyinvox/internal/tone"
	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

// maxRequestSize bounds the body of an invoke request.
const maxRequestSize = 1 << 20

type invokeRequest struct {
	Input string `json:"input"`
}

type resultResponse struct {
	Result any `json:"result"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register adds POST /invoke/{command} to mux. The body is {"input": "..."};
// the response is {"result": ...} on success and {"error": "..."} otherwise.
func (c *Commands) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /invoke/{command}", c.Invoke)
}

// Invoke runs the command named by the request path.
func (c *Commands) Invoke(w http.ResponseWriter, r *http.Request) {
	command := r.PathValue("command")
	switch command {
	case CommandSplit, CommandTone, CommandPlay, CommandGreet:
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown command " + command})
		return
	}

	var req invokeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	ctx := r.Context()
	var (
		result any
		err    error
	)
	switch command {
	case CommandSplit:
		result = c.SplitSyllables(ctx, req.Input)
	case CommandTone:
		result, err = c.LookupTone(ctx, req.Input)
	case CommandPlay:
		result, err = c.PlaySpeech(ctx, req.Input)
	case CommandGreet:
		result = c.Greet(ctx, req.Input)
	}
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: result})
}

// statusFor maps a command error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		// The client has gone; nobody reads this.
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, tone.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, audio.ErrOutputBusy):
		return http.StatusConflict
	case errors.Is(err, tts.ErrConnect), errors.Is(err, tone.ErrUnavailable),
		errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, tts.ErrTransport), errors.Is(err, tone.ErrBadResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/manager"
	"github.com/factorio-deck/factorio-deck/internal/server"
	"github.com/factorio-deck/factorio-deck/internal/wrapper"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type serverListResponse struct {
	Servers []manager.Info `json:"servers"`
}

type historyResponse struct {
	ServerID string                  `json:"serverId"`
	Messages []server.ControlMessage `json:"messages"`
}

type actionResponse struct {
	OK     bool          `json:"ok"`
	Server manager.Info  `json:"server"`
	Status server.Status `json:"status"`
}

type commandRequest struct {
	Command string `json:"command"`
}

// maxCommandBody bounds a command request body.
const maxCommandBody = 16 * 1024

func (s *Server) handleServerList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireAuth(w, r, false) {
		return
	}

	writeJSON(w, http.StatusOK, serverListResponse{Servers: s.servers.List()})
}

func (s *Server) handleServerByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireAuth(w, r, false) {
		return
	}

	info, err := s.servers.Get(r.PathValue("id"))
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleServerHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireAuth(w, r, false) {
		return
	}

	id := r.PathValue("id")
	history, err := s.servers.History(id)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{ServerID: id, Messages: history})
}

func (s *Server) handleServerAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.requireAuth(w, r, true) {
		return
	}

	id := r.PathValue("id")
	actor := requestActor(r)
	ctx := r.Context()

	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		_, err = s.servers.Start(ctx, id, actor)
	case "stop":
		err = s.servers.Stop(ctx, id, actor)
	case "kill":
		err = s.servers.ForceStop(ctx, id, actor)
	case "update":
		err = s.servers.Update(ctx, id, actor)
	case "command":
		var req commandRequest
		body, readErr := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
		if readErr != nil || json.Unmarshal(body, &req) != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		req.Command = strings.TrimRight(req.Command, "\r\n")
		if strings.TrimSpace(req.Command) == "" || strings.ContainsAny(req.Command, "\r\n") {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "command must be a single non-empty line")
			return
		}
		err = s.servers.SendCommand(ctx, id, actor, req.Command)
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown action "+action)
		return
	}
	if err != nil {
		writeOperationError(w, err)
		return
	}

	info, err := s.servers.Get(id)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{OK: true, Server: info, Status: info.Status})
}

// writeOperationError maps operation layer errors to status codes.
func writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrNotFound), errors.Is(err, server.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, manager.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, manager.ErrNoUpdateCommand):
		writeAPIError(w, http.StatusConflict, "NO_UPDATE_COMMAND", err.Error())
	case errors.Is(err, wrapper.ErrNotConnected):
		writeAPIError(w, http.StatusServiceUnavailable, "NOT_CONNECTED", err.Error())
	case errors.Is(err, manager.ErrWrapperProcess):
		writeAPIError(w, http.StatusInternalServerError, "WRAPPER_PROCESS_ERROR", err.Error())
	default:
		logging.ForComponent(logging.CompWeb).Error("operation_failed",
			slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "operation failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

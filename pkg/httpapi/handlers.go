package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/astromechza/teamsync/pkg/engine"
	"github.com/astromechza/teamsync/pkg/workspace"
)

const maxBodyBytes = 64 * 1024

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MessageResponse struct {
	Success bool              `json:"success"`
	Message workspace.Message `json:"message"`
}

type TaskResponse struct {
	Success bool           `json:"success"`
	Task    workspace.Task `json:"task"`
}

type KeyResponse struct {
	Key string `json:"key"`
}

func (s *Server) health(writer http.ResponseWriter, request *http.Request) {
	s.writeJSON(writer, request, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createWorkspace(writer http.ResponseWriter, request *http.Request) {
	key := s.keys.NewKey()
	if _, err := s.engine.Snapshot(request.Context(), key); err != nil {
		s.handleError(writer, request, err)
		return
	}
	s.writeJSON(writer, request, http.StatusCreated, KeyResponse{Key: key})
}

func (s *Server) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	snap, err := s.engine.Snapshot(request.Context(), mux.Vars(request)["key"])
	if err != nil {
		s.handleError(writer, request, err)
		return
	}
	s.writeJSON(writer, request, http.StatusOK, snap)
}

func (s *Server) postMessage(writer http.ResponseWriter, request *http.Request) {
	var inputs engine.MessageRequest
	if err := decodeBody(request, &inputs); err != nil {
		s.handleError(writer, request, err)
		return
	}
	msg, err := s.engine.SendMessage(request.Context(), mux.Vars(request)["key"], inputs.User, inputs.Message)
	if err != nil {
		s.handleError(writer, request, err)
		return
	}
	s.writeJSON(writer, request, http.StatusCreated, MessageResponse{Success: true, Message: msg})
}

func (s *Server) postTask(writer http.ResponseWriter, request *http.Request) {
	var inputs engine.TaskInput
	if err := decodeBody(request, &inputs); err != nil {
		s.handleError(writer, request, err)
		return
	}
	task, err := s.engine.AddTask(request.Context(), mux.Vars(request)["key"], inputs.Task())
	if err != nil {
		s.handleError(writer, request, err)
		return
	}
	s.writeJSON(writer, request, http.StatusCreated, TaskResponse{Success: true, Task: task})
}

func (s *Server) toggleTask(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	task, err := s.engine.ToggleTask(request.Context(), vars["key"], vars["id"])
	if errors.Is(err, engine.ErrTaskNotFound) {
		writer.WriteHeader(http.StatusNoContent)
		return
	} else if err != nil {
		s.handleError(writer, request, err)
		return
	}
	s.writeJSON(writer, request, http.StatusOK, TaskResponse{Success: true, Task: task})
}

func decodeBody(request *http.Request, into any) error {
	if err := json.NewDecoder(io.LimitReader(request.Body, maxBodyBytes)).Decode(into); err != nil {
		return &engine.Rejection{
			Code:    engine.ErrMalformedEvent.Code,
			Message: fmt.Sprintf("failed to decode body: %s", err),
		}
	}
	return nil
}

func (s *Server) handleError(writer http.ResponseWriter, request *http.Request, err error) {
	var rejection *engine.Rejection
	if errors.As(err, &rejection) {
		s.writeJSON(writer, request, http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{Code: rejection.Code, Message: rejection.Message},
		})
		return
	}
	s.logger.ErrorContext(request.Context(), "request failed", "err", err)
	s.writeJSON(writer, request, http.StatusInternalServerError, ErrorResponse{
		Error: ErrorDetail{Code: "INTERNAL_ERROR", Message: "internal server error"},
	})
}

func (s *Server) writeJSON(writer http.ResponseWriter, request *http.Request, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		s.logger.ErrorContext(request.Context(), "failed to write response", "err", err)
	}
}

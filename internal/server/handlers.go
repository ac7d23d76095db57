package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
	"github.com/michaelbrown/wasmbox/internal/storage"
	"github.com/michaelbrown/wasmbox/internal/wire"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an outcome to an HTTP status. Problems with the submitted
// module are the caller's fault; everything after validation is ours or the
// guest's.
func statusFor(err *sandbox.Error) int {
	if err == nil {
		return http.StatusOK
	}
	switch err.Stage {
	case sandbox.StageDecode, sandbox.StageLoad, sandbox.StageValidate:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// --- Execution handlers ---

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	defer r.Body.Close()

	er, req, err := wire.Decode(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, wire.ErrorResponse(er.ID, err))
			return
		}
		s.exec.RecordDecodeFailure(er.ID, err)
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse(er.ID, err))
		return
	}

	o, err := s.exec.Run(r.Context(), req)
	if err != nil {
		s.logger.Info("client left before execution started", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, wire.ErrorResponse(er.ID, err))
		return
	}

	writeJSON(w, statusFor(o.Err), wire.NewResponse(er.ID, o))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "wasmbox",
		"inflight": s.exec.Inflight().Count(),
	})
}

func (s *Server) handleInflight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Inflight().List())
}

// --- History handlers ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}

	opts := storage.ListOptions{
		Stage: r.URL.Query().Get("stage"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	records, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if records == nil {
		records = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

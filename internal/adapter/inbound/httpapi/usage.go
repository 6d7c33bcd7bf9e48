package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/i2y/toolgate/internal/queue"
)

const defaultDeadLetterLimit = 100

// UsageAdmin inspects the metering pipeline.
type UsageAdmin interface {
	QueueLength(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error)
	RetryDeadLetter(ctx context.Context, id string) error
}

type usageStatus struct {
	Queued      int `json:"queued"`
	DeadLetters int `json:"deadLetters"`
}

func (s *Server) handleUsageStatus(w http.ResponseWriter, r *http.Request) {
	queued, err := s.usage.QueueLength(r.Context())
	if err != nil {
		s.logger.Error("Failed to read usage queue length", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "usage queue unavailable")
		return
	}
	dead, err := s.usage.DeadLetters(r.Context(), 0)
	if err != nil {
		s.logger.Error("Failed to list dead letters", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "dead letter queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, usageStatus{Queued: queued, DeadLetters: len(dead)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.usage.DeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list dead letters", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "dead letter queue unavailable")
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.usage.RetryDeadLetter(r.Context(), id)
	switch {
	case err == nil:
		s.logger.Info("Dead-lettered usage record re-enqueued", slog.String("id", id))
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, queue.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	default:
		s.logger.Error("Failed to retry dead letter", slog.String("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "retry failed")
	}
}

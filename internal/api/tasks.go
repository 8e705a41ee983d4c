package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/task"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
)

// taskRequest is the launch body shared by every kind. Fields a kind does
// not use are ignored.
type taskRequest struct {
	Codes        []string             `json:"codes"`
	StartURL     string               `json:"start_url"`
	WithImage    bool                 `json:"with_image"`
	MaxPageDepth int                  `json:"max_page_depth"`
	Config       *crawler.CrawlConfig `json:"crawl_config"`
}

var errUnknownKind = errors.New("unknown task kind")

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind, err := s.toKind(chi.URLParam(r, "kind"), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUnknownKind) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	if needsRemote(kind) {
		if _, err := s.app.Remote(); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	t, err := s.app.NewTask(kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		summary, runErr := s.dispatcher.Do(r.Context(), t)
		if runErr != nil {
			s.logger.Warn("task failed", zap.String("task_id", t.ID), zap.Error(runErr))
			writeJSON(w, statusFor(runErr), map[string]any{
				"error":   runErr.Error(),
				"summary": summary,
			})
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if err := s.dispatcher.Enqueue(queueCtx, t); err != nil {
		s.logger.Error("enqueue task failed", zap.String("task_id", t.ID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": t.ID,
		"kind":    kind.Name(),
	})
}

// toKind builds the task variant named by name, filling unset launch
// parameters from configuration.
func (s *Server) toKind(name string, req taskRequest) (task.Kind, error) {
	cfg := s.cfg.CrawlConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	codes := task.NormalizeCodes(req.Codes)
	switch name {
	case task.NameAuto:
		start := req.StartURL
		if start == "" {
			start = s.cfg.Crawler.StartURL
		}
		return task.Auto{StartURL: start, WithImage: req.WithImage, Config: cfg, MaxPageDepth: req.MaxPageDepth}, nil
	case task.NameBatch:
		return task.Batch{Codes: codes, WithImage: req.WithImage, Config: cfg}, nil
	case task.NamePull:
		return task.PullRemote{}, nil
	case task.NameIdol:
		return task.Idol{Config: cfg}, nil
	case task.NameSubmit:
		return task.Submit{Codes: codes}, nil
	case task.NameUpdate:
		return task.Update{Codes: codes, Config: cfg}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownKind, name)
	}
}

func needsRemote(kind task.Kind) bool {
	switch kind.(type) {
	case task.PullRemote, task.Idol, task.Submit:
		return true
	default:
		return false
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.app.Tasks(r.Context(), limit)
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	entry, err := s.app.Task(r.Context(), id)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) && s.dispatcher.Queued(id) {
			writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "QUEUED"})
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/crawler"
)

const (
	defaultRecordLimit = 20
	maxRecordLimit     = 200
	defaultOpsLimit    = 100
	maxOpsLimit        = 1000
)

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, err := parseRecordFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, total, err := s.app.QueryRecords(r.Context(), filter, offset, limit)
	if err != nil {
		s.logger.Error("query records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query records")
		return
	}
	if records == nil {
		records = []crawler.CachedRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}

func (s *Server) recordAction(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var err error
	switch chi.URLParam(r, "action") {
	case "view":
		err = s.app.MarkViewed(r.Context(), code)
	case "like":
		err = s.app.MarkLiked(r.Context(), code)
	case "unlike":
		err = s.app.MarkUnliked(r.Context(), code)
	default:
		writeError(w, http.StatusNotFound, "unknown record action")
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"code":   crawler.NormalizeCode(code),
		"action": chi.URLParam(r, "action"),
	})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultOpsLimit, maxOpsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ops, err := s.app.Operations(r.Context(), limit)
	if err != nil {
		s.logger.Error("list operations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) existIDs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ids": s.app.ExistIDs(r.Context())})
}

func (s *Server) listNotices(w http.ResponseWriter, _ *http.Request) {
	if s.notices == nil {
		writeError(w, http.StatusNotFound, "notices are published to pubsub")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": s.notices.Messages()})
}

type clientAuthRequest struct {
	BaseURL      string `json:"base_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (s *Server) getClientAuth(w http.ResponseWriter, _ *http.Request) {
	baseURL := s.app.RemoteURL()
	writeJSON(w, http.StatusOK, map[string]any{
		"base_url":   baseURL,
		"configured": baseURL != "",
	})
}

func (s *Server) putClientAuth(w http.ResponseWriter, r *http.Request) {
	var req clientAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.BaseURL) != "" && (req.ClientID == "" || req.ClientSecret == "") {
		writeError(w, http.StatusBadRequest, "client_id and client_secret are required")
		return
	}
	if err := s.app.SetClientAuth(r.Context(), req.BaseURL, req.ClientID, req.ClientSecret); err != nil {
		s.logger.Warn("set client auth failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"base_url":   s.app.RemoteURL(),
		"configured": s.app.RemoteURL() != "",
	})
}

func (s *Server) deleteClientAuth(w http.ResponseWriter, _ *http.Request) {
	s.app.ClearClientAuth()
	w.WriteHeader(http.StatusNoContent)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseRecordFilter(r *http.Request) (crawler.RecordFilter, error) {
	var filter crawler.RecordFilter
	fields := []struct {
		name string
		dest **bool
	}{
		{"viewed", &filter.Viewed},
		{"liked", &filter.Liked},
		{"submitted", &filter.Submitted},
		{"cached", &filter.Cached},
	}
	q := r.URL.Query()
	for _, f := range fields {
		raw := strings.TrimSpace(q.Get(f.name))
		if raw == "" {
			continue
		}
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return crawler.RecordFilter{}, fmt.Errorf("invalid %s filter", f.name)
		}
		*f.dest = &val
	}
	return filter, nil
}

package search

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"leadsearch/cachekey"
	"leadsearch/credits"
	"leadsearch/domain"
	"leadsearch/export"
	"leadsearch/inflight"
	"leadsearch/obs"
	"leadsearch/store"
	"leadsearch/streamq"
)

// CreditLedger is the charge side of the credit ledger. credits.Service is
// the production implementation.
type CreditLedger interface {
	Charge(ctx context.Context, userID string, amount int64, txType credits.TransactionType, metadata map[string]string) (*credits.CreditTransaction, error)
}

// Service is the search orchestrator: it decides per request whether to
// serve from cache, join an in-flight computation, or charge credits and
// dispatch a new background job.
type Service struct {
	jobs     store.SearchJobStore
	queue    streamq.SearchQueue
	hot      *store.HotCache
	durable  *store.DurableCache
	inflight *inflight.Registry
	credits  CreditLedger
	logger   *slog.Logger
}

func NewService(jobs store.SearchJobStore, queue streamq.SearchQueue, hot *store.HotCache, durable *store.DurableCache, reg *inflight.Registry, cr CreditLedger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:     jobs,
		queue:    queue,
		hot:      hot,
		durable:  durable,
		inflight: reg,
		credits:  cr,
		logger:   logger,
	}
}

// Search runs the consolidation state machine for one request.
//
// Cache hits (either tier) cost nothing and create no job. On a full miss
// the inflight registration is the single atomic test-and-set that elects a
// leader; losers join the leader's job unconditionally and uncharged. Only
// the leader is charged, and only the leader enqueues.
func (s *Service) Search(ctx context.Context, rc domain.RequestContext, q domain.SearchQuery) (*domain.SearchOutcome, error) {
	key := cachekey.Build(q)

	if res, ok := s.hot.Get(ctx, key); ok {
		obs.RecordSearchOutcome("cache_hit_hot")
		return &domain.SearchOutcome{Type: domain.OutcomeCached, Data: res}, nil
	}

	if res, remaining, ok := s.durable.Get(ctx, key); ok {
		// Backfill the hot tier with the remaining durable lifetime, capped
		// at the hot default so the tiers keep their own freshness horizons.
		ttl := remaining
		if ttl > s.hot.TTL() {
			ttl = s.hot.TTL()
		}
		s.hot.Set(ctx, key, res, ttl)
		obs.RecordSearchOutcome("cache_hit_durable")
		return &domain.SearchOutcome{Type: domain.OutcomeCached, Data: res}, nil
	}

	jobID := newJobID()
	leader, existingID, err := s.inflight.Register(ctx, key, jobID)
	if err != nil {
		// Registry outage: dedup is lost but search must keep working.
		// Worst case is duplicate upstream work, which the budget ledger
		// still bounds.
		s.logger.Warn("inflight registry unavailable, dispatching without dedup", "key", key, "err", err)
		leader = true
	}
	if !leader {
		obs.RecordSearchOutcome("joined")
		return &domain.SearchOutcome{Type: domain.OutcomeJob, JobID: existingID, Joined: true}, nil
	}

	cost, txType := credits.CostFor(q)
	if _, err := s.credits.Charge(ctx, rc.UserID, cost, txType, map[string]string{
		"cacheKey": key,
		"jobId":    jobID,
	}); err != nil {
		// No job was dispatched; free the key for the next caller.
		if clearErr := s.inflight.Clear(ctx, key); clearErr != nil {
			s.logger.Warn("inflight clear failed after charge rejection", "key", key, "err", clearErr)
		}
		if errors.Is(err, domain.ErrInsufficientCredits) {
			obs.RecordSearchOutcome("rejected_credits")
			return nil, err
		}
		return nil, fmt.Errorf("credit charge failed: %w", err)
	}

	job := &domain.SearchJob{
		ID:        jobID,
		UserID:    rc.UserID,
		CacheKey:  key,
		Query:     q,
		Status:    domain.SearchJobStatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.jobs.Create(job); err != nil {
		// Credits are spent and no job exists: the deliberate gap in the
		// charge-before-dispatch ordering. Reconciliation is manual; make
		// the anomaly loud enough to find.
		s.logger.Error("job create failed after charge; credits spent without dispatch",
			"jobId", jobID, "user", rc.UserID, "amount", cost, "err", err)
		_ = s.inflight.Clear(ctx, key)
		return nil, fmt.Errorf("job create failed: %w", err)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.queue.Enqueue(enqueueCtx, jobID); err != nil {
		s.logger.Error("enqueue failed after charge; credits spent without dispatch",
			"jobId", jobID, "user", rc.UserID, "amount", cost, "err", err)
		_, _, _ = s.jobs.Update(jobID, func(j *domain.SearchJob) {
			j.Status = domain.SearchJobStatusFailed
			j.Error = "enqueue failed: " + err.Error()
		})
		_ = s.inflight.Clear(ctx, key)
		return nil, fmt.Errorf("enqueue failed: %w", err)
	}

	obs.RecordSearchOutcome("dispatched")
	return &domain.SearchOutcome{Type: domain.OutcomeJob, JobID: jobID}, nil
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/search/jobs/", s.handleJobRoutes)
}

type searchRequest struct {
	City       string `json:"city"`
	Keyword    string `json:"keyword"`
	DeepSearch bool   `json:"deepSearch"`
	PageToken  string `json:"pageToken,omitempty"`
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rc := requestContextFrom(r)
	if rc.UserID == "" {
		writeErrorJSON(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	q := domain.NewSearchQuery(req.City, req.Keyword, req.DeepSearch, req.PageToken)
	if q.City == "" || q.Keyword == "" {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "city and keyword are required")
		return
	}

	outcome, err := s.Search(r.Context(), rc, q)
	if err != nil {
		status := statusForError(err)
		writeErrorJSON(w, status, domain.ErrorCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Service) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	// /search/jobs/{jobId}
	// /search/jobs/{jobId}/export
	path := strings.TrimPrefix(r.URL.Path, "/search/jobs/")
	path = strings.Trim(path, "/")
	if path == "" {
		http.Error(w, "jobId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	jobID := parts[0]
	if jobID == "" {
		http.Error(w, "jobId required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetJob(w, r, jobID)
		return
	}

	if len(parts) == 2 && parts[1] == "export" {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleExportJob(w, r, jobID)
		return
	}

	http.NotFound(w, r)
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok, err := s.jobs.Get(jobID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := map[string]interface{}{
		"jobId":     job.ID,
		"status":    string(job.Status),
		"progress":  job.Progress,
		"createdAt": job.CreatedAt,
	}
	if job.Status == domain.SearchJobStatusCompleted && job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Status == domain.SearchJobStatusFailed && job.Error != "" {
		resp["error"] = job.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleExportJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok, err := s.jobs.Get(jobID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if job.Status != domain.SearchJobStatusCompleted || job.Result == nil {
		writeErrorJSON(w, http.StatusConflict, "not_ready", "job has no completed result to export")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "leads_"+jobID+".xlsx"))
	if err := export.WriteXLSX(w, job.Result.Places); err != nil {
		s.logger.Error("export write failed", "jobId", jobID, "err", err)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrBreakerOpen), errors.Is(err, domain.ErrInflightLimit):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamTransient), errors.Is(err, domain.ErrUpstreamFatal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestContextFrom(r *http.Request) domain.RequestContext {
	return domain.RequestContext{
		UserID:    strings.TrimSpace(r.Header.Get("X-User-ID")),
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

func newJobID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err == nil {
		return "job_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("job_%d", time.Now().UnixNano())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeErrorJSON returns a structured reason so clients can tell "out of
// credits" from "system overloaded" from "try again shortly".
func writeErrorJSON(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

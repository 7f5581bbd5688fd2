// Package api is the HTTP surface over the core components: thin handlers
// that decode a request, call into one service, and translate
// internal/errors kinds into HTTP status codes. Transport stays plain
// net/http with log.Wrapper request logging, the same style admin.Server
// uses.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/exp-platform/core/domain"
	"github.com/exp-platform/core/internal/assignment"
	"github.com/exp-platform/core/internal/auth"
	"github.com/exp-platform/core/internal/bulk"
	"github.com/exp-platform/core/internal/enrichment"
	kinderrors "github.com/exp-platform/core/internal/errors"
	"github.com/exp-platform/core/internal/ingest"
	"github.com/exp-platform/core/internal/lifecycle"
	"github.com/exp-platform/core/internal/log"
	"github.com/exp-platform/core/internal/prometheusbpint"
	"github.com/exp-platform/core/internal/query"
)

var inflightRequests prometheusbpint.HighWatermarkValue

func init() {
	prometheusbpint.GlobalRegistry.MustRegister(prometheusbpint.NewHighWatermarkGauge(
		&inflightRequests,
		"expserver_api_inflight_requests",
		"expserver_api_inflight_requests_max",
		"In-flight API requests",
	))
}

// Server bundles every service the HTTP handlers need.
type Server struct {
	Assignments *assignment.Service
	Ingest      *ingest.Service
	Bulk        *bulk.Writer
	Lifecycle   *lifecycle.Manager
	Query       *query.Router
	DB          *sqlx.DB
	Logger      log.Wrapper

	// Enrichment, when set, receives each computed comparison for LLM
	// summarization off the request path. Optional; nil disables it.
	Enrichment enrichment.Sink
}

// Routes returns the handler mux for this server.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assignments", s.withScope(auth.ScopeAssign, s.handleAssign))
	mux.HandleFunc("/v1/assignments/bulk", s.withScope(auth.ScopeAssign, s.handleAssignBulk))
	mux.HandleFunc("/v1/events", s.withScope(auth.ScopeIngest, s.handleIngestEvent))
	mux.HandleFunc("/v1/events/batch", s.withScope(auth.ScopeIngest, s.handleIngestBatch))
	mux.HandleFunc("/v1/bulk/users", s.withScope(auth.ScopeBulkWrite, s.handleBulkUsers))
	mux.HandleFunc("/v1/experiments/transition", s.withScope(auth.ScopeLifecycle, s.handleTransition))
	mux.HandleFunc("/v1/metrics", s.withScope(auth.ScopeRead, s.handleQuery))
	return withInflight(withAuth(mux))
}

func withInflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflightRequests.Inc()
		defer inflightRequests.Dec()
		next.ServeHTTP(w, r)
	})
}

// withAuth attaches an auth.Context built from the headers the gateway
// terminating caller credentials is expected to set: X-Token-Id names the
// caller, X-Scopes is a comma-separated scope list, and X-Rate-Limit-* carry
// the gateway's own rate-limit accounting for this caller, which this
// service never computes itself — it only echoes the figures back as
// response headers so a client sees its standing without a second round
// trip. A request with no X-Token-Id carries an empty, scope-less
// auth.Context, which withScope then rejects.
func withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := auth.Context{TokenID: r.Header.Get("X-Token-Id")}
		if scopes := r.Header.Get("X-Scopes"); scopes != "" {
			ac.Scopes = strings.Split(scopes, ",")
		}
		if limit, err := strconv.Atoi(r.Header.Get("X-Rate-Limit-Limit")); err == nil {
			ac.RateLimit.Limit = limit
		}
		if remaining, err := strconv.Atoi(r.Header.Get("X-Rate-Limit-Remaining")); err == nil {
			ac.RateLimit.Remaining = remaining
		}
		if reset, err := strconv.ParseInt(r.Header.Get("X-Rate-Limit-Reset"), 10, 64); err == nil {
			ac.RateLimit.Reset = time.Unix(reset, 0).UTC()
		}

		if ac.RateLimit.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(ac.RateLimit.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(ac.RateLimit.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(ac.RateLimit.Reset.Unix(), 10))
		}
		next.ServeHTTP(w, r.WithContext(auth.WithContext(r.Context(), ac)))
	})
}

func (s *Server) withScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok || ac.TokenID == "" {
			writeStatus(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		if !ac.HasScope(scope) {
			writeStatus(w, http.StatusForbidden, "missing required scope "+scope)
			return
		}
		next(w, r)
	}
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch kinderrors.KindOf(err) {
	case kinderrors.Validation:
		status = http.StatusBadRequest
	case kinderrors.NotFound:
		status = http.StatusNotFound
	case kinderrors.Conflict:
		status = http.StatusConflict
	case kinderrors.PreconditionFailed:
		status = http.StatusPreconditionFailed
	case kinderrors.Unavailable:
		status = http.StatusServiceUnavailable
	case kinderrors.RateLimited:
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type assignRequest struct {
	ExperimentID int64  `json:"experiment_id"`
	UserID       string `json:"user_id"`
	Enroll       bool   `json:"enroll"`
}

// assignResponse is the wire shape of an assignment lookup: the persisted
// row plus the variant key and control flag denormalized so SDK callers
// don't need a second round trip.
type assignResponse struct {
	ExperimentID int64                    `json:"experiment_id"`
	UserID       string                   `json:"user_id"`
	VariantID    int64                    `json:"variant_id"`
	VariantKey   string                   `json:"variant_key"`
	IsControl    bool                     `json:"is_control"`
	AssignedAt   time.Time                `json:"assigned_at"`
	EnrolledAt   *time.Time               `json:"enrolled_at,omitempty"`
	Version      int64                    `json:"version"`
	Source       domain.AssignmentSource  `json:"source"`
}

func toAssignResponse(a domain.Assignment, variants []domain.Variant) assignResponse {
	resp := assignResponse{
		ExperimentID: a.ExperimentID,
		UserID:       a.UserID,
		VariantID:    a.VariantID,
		AssignedAt:   a.AssignedAt,
		EnrolledAt:   a.EnrolledAt,
		Version:      a.Version,
		Source:       a.Source,
	}
	for _, v := range variants {
		if v.ID == a.VariantID {
			resp.VariantKey = v.Key
			resp.IsControl = v.IsControl
			break
		}
	}
	return resp
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kinderrors.Wrap(kinderrors.Validation, "decoding request", err))
		return
	}

	experiment, err := s.Lifecycle.Load(r.Context(), req.ExperimentID)
	if err != nil {
		writeError(w, err)
		return
	}

	a, err := s.Assignments.GetOrAssign(r.Context(), experiment, req.UserID, req.Enroll)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toAssignResponse(a, experiment.Variants))
}

type assignBulkRequest struct {
	UserID        string  `json:"user_id"`
	ExperimentIDs []int64 `json:"experiment_ids"`
}

// handleAssignBulk answers one user's assignments across many experiments
// as a map keyed by experiment id. Experiments that fail to load are
// reported in a sibling errors map rather than failing the whole request;
// experiments that are not Active and have no stored assignment appear in
// neither map.
func (s *Server) handleAssignBulk(w http.ResponseWriter, r *http.Request) {
	var req assignBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kinderrors.Wrap(kinderrors.Validation, "decoding request", err))
		return
	}
	if req.UserID == "" || len(req.ExperimentIDs) == 0 {
		writeError(w, kinderrors.New(kinderrors.Validation, "user_id and experiment_ids are required"))
		return
	}

	experiments := make([]*domain.Experiment, 0, len(req.ExperimentIDs))
	loadErrors := make(map[int64]string)
	for _, id := range req.ExperimentIDs {
		experiment, err := s.Lifecycle.Load(r.Context(), id)
		if err != nil {
			loadErrors[id] = err.Error()
			continue
		}
		experiments = append(experiments, experiment)
	}

	assignments, err := s.Assignments.GetBulk(r.Context(), experiments, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make(map[int64]assignResponse, len(assignments))
	for _, e := range experiments {
		if a, ok := assignments[e.ID]; ok {
			resp[e.ID] = toAssignResponse(a, e.Variants)
		}
	}
	writeJSON(w, map[string]interface{}{
		"assignments": resp,
		"errors":      loadErrors,
	})
}

type eventRequest struct {
	ExperimentID int64           `json:"experiment_id"`
	UserID       string          `json:"user_id"`
	EventType    string          `json:"event_type"`
	Properties   json.RawMessage `json:"properties"`
	SessionID    *string         `json:"session_id"`
	RequestID    *string         `json:"request_id"`
}

func (req eventRequest) toDomain() domain.Event {
	return domain.Event{
		Timestamp:    time.Now().UTC(),
		ExperimentID: req.ExperimentID,
		UserID:       req.UserID,
		EventType:    req.EventType,
		Properties:   req.Properties,
		SessionID:    req.SessionID,
		RequestID:    req.RequestID,
	}
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kinderrors.Wrap(kinderrors.Validation, "decoding request", err))
		return
	}
	e, err := s.Ingest.Record(r.Context(), req.toDomain())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, e)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []eventRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, kinderrors.Wrap(kinderrors.Validation, "decoding request", err))
		return
	}
	events := make([]domain.Event, len(reqs))
	for i, req := range reqs {
		events[i] = req.toDomain()
	}
	result, err := s.Ingest.RecordBatch(r.Context(), events)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"recorded": result.Recorded,
		"errors":   errorStrings(result.Failures.GetErrors()),
	})
}

// errorStrings flattens collected errors to their messages; the error
// interface itself marshals to an empty JSON object.
func errorStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}

func (s *Server) handleBulkUsers(w http.ResponseWriter, r *http.Request) {
	var users []domain.User
	if err := json.NewDecoder(r.Body).Decode(&users); err != nil {
		writeError(w, kinderrors.Wrap(kinderrors.Validation, "decoding request", err))
		return
	}
	result, err := s.Bulk.UpsertUsers(r.Context(), users)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"succeeded": result.Succeeded,
		"errors":    errorStrings(result.Failures.GetErrors()),
	})
}

type transitionRequest struct {
	ExperimentID int64                   `json:"experiment_id"`
	To           domain.ExperimentStatus `json:"to"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kinderrors.Wrap(kinderrors.Validation, "decoding request", err))
		return
	}
	experiment, err := s.Lifecycle.Transition(r.Context(), req.ExperimentID, req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, experiment)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kinderrors.Wrap(kinderrors.Validation, "decoding request", err))
		return
	}
	result, err := s.Query.Compute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.summarize(req, result)
	writeJSON(w, result)
}

// summarize hands each comparison to the enrichment sink on its own
// goroutine with its own deadline, detached from the request context: the
// sink's availability and latency must never leak into a metrics read.
// Summaries land in the log; failures do too, and nothing more.
func (s *Server) summarize(req query.Request, result query.Result) {
	if s.Enrichment == nil {
		return
	}
	logger := s.Logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		key := strconv.FormatInt(req.ExperimentID, 10)
		for vid, cmp := range result.Treatments {
			summary, err := s.Enrichment.Summarize(ctx, key, cmp)
			if err != nil {
				logger.Log(ctx, "api: enrichment summary failed: "+err.Error())
				continue
			}
			if summary != "" {
				logger.Log(ctx, fmt.Sprintf("api: experiment %s variant %d: %s", key, vid, summary))
			}
		}
	}()
}

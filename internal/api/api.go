// Package api exposes the operator HTTP API: replication topology CRUD, the
// conflict review workflow, manual triggering and status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/campuswap/edgesync/internal/conflict"
	"github.com/campuswap/edgesync/internal/db"
	"github.com/campuswap/edgesync/internal/snowflake"
	"github.com/campuswap/edgesync/internal/sync"
	"github.com/campuswap/edgesync/internal/topology"
)

// Server wires the operator endpoints onto one mux.
type Server struct {
	cluster  *db.Cluster
	store    *conflict.Store
	resolver *sync.Resolver
	signer   *conflict.TokenSigner
	ids      *snowflake.Generator
	logger   *logrus.Entry
}

func NewServer(cluster *db.Cluster, store *conflict.Store, resolver *sync.Resolver, signer *conflict.TokenSigner, ids *snowflake.Generator, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{cluster: cluster, store: store, resolver: resolver, signer: signer, ids: ids, logger: logger}
}

// Handler returns the routed HTTP handler, metrics endpoint included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/links", s.listLinks)
	mux.HandleFunc("POST /api/links", s.createLink)
	mux.HandleFunc("PUT /api/links/{id}", s.updateLink)
	mux.HandleFunc("DELETE /api/links/{id}", s.deleteLink)
	mux.HandleFunc("POST /api/sync/trigger", s.triggerSync)
	mux.HandleFunc("GET /api/status", s.status)
	mux.HandleFunc("GET /api/conflicts", s.listConflicts)
	mux.HandleFunc("GET /api/conflicts/export", s.exportConflicts)
	mux.HandleFunc("GET /api/conflicts/{id}", s.getConflict)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.resolveConflict)
	mux.HandleFunc("POST /api/ids", s.allocateIDs)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve runs the API until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.WithField("addr", addr).Info("Operator API listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warning("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

type linkRequest struct {
	Source          string `json:"source"`
	Target          string `json:"target"`
	Mode            string `json:"mode"`
	IntervalSeconds int    `json:"interval_seconds"`
	Enabled         bool   `json:"enabled"`
}

func (lr linkRequest) toLink(id int64) topology.Link {
	mode := lr.Mode
	if mode == "" {
		mode = topology.ModeRealtime
	}
	return topology.Link{
		ID:              id,
		Source:          db.Role(lr.Source),
		Target:          db.Role(lr.Target),
		Mode:            mode,
		IntervalSeconds: lr.IntervalSeconds,
		Enabled:         lr.Enabled,
	}
}

type linkResponse struct {
	ID              int64      `json:"id"`
	Source          string     `json:"source"`
	Target          string     `json:"target"`
	Mode            string     `json:"mode"`
	IntervalSeconds int        `json:"interval_seconds"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
}

func toLinkResponse(l topology.Link) linkResponse {
	return linkResponse{
		ID:              l.ID,
		Source:          string(l.Source),
		Target:          string(l.Target),
		Mode:            l.Mode,
		IntervalSeconds: l.IntervalSeconds,
		Enabled:         l.Enabled,
		LastRunAt:       l.LastRunAt,
	}
}

func (s *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	links, err := topology.ListLinks(r.Context(), s.cluster.Hub())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]linkResponse, 0, len(links))
	for _, l := range links {
		out = append(out, toLinkResponse(l))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) createLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := topology.CreateLink(r.Context(), s.cluster.Hub(), req.toLink(0))
	if err != nil {
		s.writeError(w, linkErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) updateLink(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := topology.UpdateLink(r.Context(), s.cluster.Hub(), req.toLink(id)); err != nil {
		s.writeError(w, linkErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteLink(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := topology.DeleteLink(r.Context(), s.cluster.Hub(), id); err != nil {
		s.writeError(w, linkErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func linkErrorStatus(err error) int {
	switch {
	case errors.Is(err, topology.ErrLinkNotFound):
		return http.StatusNotFound
	case errors.Is(err, topology.ErrSameEndpoint),
		errors.Is(err, topology.ErrUnknownRole),
		errors.Is(err, topology.ErrSourceNotEdge),
		errors.Is(err, topology.ErrUnknownMode),
		errors.Is(err, topology.ErrBadInterval):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	counter, err := topology.BumpManualTrigger(r.Context(), s.cluster.Hub())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int64{"trigger": counter})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	hub := s.cluster.Hub()
	cursors := make(map[string]int64, len(s.cluster.Edges()))
	for _, origin := range s.cluster.Edges() {
		cursor, err := topology.LoadCursor(r.Context(), hub, topology.CursorName(origin))
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		cursors[string(origin)] = cursor
	}
	pending, err := s.store.CountPending(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cursors":           cursors,
		"pending_conflicts": pending,
	})
}

func (s *Server) conflictFilter(r *http.Request) conflict.Filter {
	q := r.URL.Query()
	f := conflict.Filter{Table: q.Get("table"), ShowAll: q.Get("show_all") == "true"}
	if v := q.Get("resolved"); v != "" {
		resolved := v == "true"
		f.Resolved = &resolved
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = v
	}
	return f
}

type conflictResponse struct {
	conflict.Record
	Duplicates int `json:"duplicates"`
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	records, duplicates, err := s.store.List(r.Context(), s.conflictFilter(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]conflictResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, conflictResponse{Record: rec, Duplicates: duplicates[rec.ID]})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) exportConflicts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="conflicts.csv"`)
	if err := s.store.ExportCSV(r.Context(), w, s.conflictFilter(r)); err != nil {
		s.logger.WithError(err).Error("Conflict export failed")
	}
}

func (s *Server) getConflict(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// allocateIDs hands out row ids to application servers. Every id encodes
// this node's writer, so two campuses can never mint the same id.
func (s *Server) allocateIDs(w http.ResponseWriter, r *http.Request) {
	count := 1
	if v, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil {
		count = v
	}
	if count < 1 || count > 1000 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("count must be between 1 and 1000"))
		return
	}
	ids := make([]int64, count)
	for i := range ids {
		ids[i] = s.ids.NextID()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "writer": s.ids.WriterID()})
}

type resolveRequest struct {
	Strategy   string `json:"strategy"`
	Note       string `json:"note,omitempty"`
	ResolvedBy *int64 `json:"resolved_by,omitempty"`
}

func (s *Server) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	// deep links from notification mails carry a token scoped to one conflict
	if token := r.URL.Query().Get("token"); token != "" && s.signer != nil {
		tokenID, err := s.signer.Verify(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		if tokenID != id {
			s.writeError(w, http.StatusUnauthorized,
				fmt.Errorf("token was issued for conflict %d", tokenID))
			return
		}
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	closed, err := s.resolver.Resolve(r.Context(), sync.ResolveRequest{
		ConflictID: id,
		Strategy:   sync.Strategy(req.Strategy),
		Note:       req.Note,
		ResolvedBy: req.ResolvedBy,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sync.ErrUnknownStrategy):
			status = http.StatusBadRequest
		case errors.Is(err, sync.ErrAlreadyResolved):
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/bundle"
	"github.com/usersim/usersim-go/eval"
	"github.com/usersim/usersim-go/interchange"
	"github.com/usersim/usersim-go/judge"
	"github.com/usersim/usersim-go/perceive"
	"github.com/usersim/usersim-go/sources"
)

// cellKey addresses one observer/path pair in the rolling matrix.
type cellKey struct {
	observer string
	path     string
}

// serverState holds the observers under judgement and the freshest
// verdict for every observer/path pair seen so far. Documents arrive one
// path at a time, so the matrix grows cell by cell and the newest
// document for a pair wins.
type serverState struct {
	mu        sync.RWMutex
	registry  *usersim.Registry
	pack      *bundle.Bundle
	perceiver *perceive.Perceiver
	evaluator *eval.Evaluator
	logger    *slog.Logger

	startedAt  time.Time
	reloadedAt time.Time
	judgedAt   time.Time

	cells map[cellKey]usersim.PathResult
	order []cellKey

	judged uint64
	faults uint64

	docCh       chan<- *sources.TypedDoc
	sourceMeta  []sources.Metadata
	ingestToken string
}

func newServerState(reg *usersim.Registry, pack *bundle.Bundle, perceiver *perceive.Perceiver, ev *eval.Evaluator, logger *slog.Logger) *serverState {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &serverState{
		registry:   reg,
		pack:       pack,
		perceiver:  perceiver,
		evaluator:  ev,
		logger:     logger,
		startedAt:  now,
		reloadedAt: now,
		cells:      make(map[cellKey]usersim.PathResult),
	}
}

// SetPack swaps in a freshly pulled observer pack. Verdicts already held
// for pairs the new pack no longer covers stay visible until a newer
// document displaces them.
func (s *serverState) SetPack(reg *usersim.Registry, pack *bundle.Bundle) {
	s.mu.Lock()
	s.registry = reg
	s.pack = pack
	s.reloadedAt = time.Now()
	s.mu.Unlock()
}

func (s *serverState) Pack() *bundle.Bundle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pack
}

func (s *serverState) Registry() *usersim.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// Process judges one document and folds the verdict into the rolling
// matrix. The per-document matrix is returned so synchronous callers can
// answer with it.
func (s *serverState) Process(ctx context.Context, doc *sources.TypedDoc) (*usersim.Matrix, error) {
	perc, err := s.perceptions(doc)
	if err != nil {
		s.fault()
		return nil, err
	}
	table, err := perc.FactTable()
	if err != nil {
		s.fault()
		return nil, err
	}
	matrix, err := judge.NewRunner(s.evaluator).Run(ctx, s.Registry(), table, judge.Options{})
	if err != nil {
		s.fault()
		return nil, err
	}
	s.absorb(matrix)
	return matrix, nil
}

// perceptions turns one document into per-path facts. Metrics documents
// go through the perception mapping; perceptions documents already are
// facts and pass straight through.
func (s *serverState) perceptions(doc *sources.TypedDoc) (*interchange.PerceptionsDoc, error) {
	switch doc.Schema {
	case interchange.MetricsSchema:
		if s.perceiver == nil {
			return nil, fmt.Errorf("metrics document from %s needs a perception mapping (-mappings)", doc.SourceID)
		}
		metrics, err := interchange.DecodeMetrics(doc.Raw)
		if err != nil {
			return nil, err
		}
		byObserver, err := s.perceiver.Apply(metrics)
		if err != nil {
			return nil, fmt.Errorf("perceiving %s: %w", metrics.Path, err)
		}
		perc := interchange.NewPerceptionsDoc()
		for obs, facts := range byObserver {
			perc.SetFacts(metrics.Path, obs, facts)
		}
		return perc, nil
	case interchange.PerceptionsSchema:
		return interchange.DecodePerceptions(doc.Raw)
	default:
		return nil, fmt.Errorf("unsupported document schema %q from %s", doc.Schema, doc.SourceID)
	}
}

func (s *serverState) absorb(m *usersim.Matrix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cell := range m.Cells {
		key := cellKey{observer: cell.Observer, path: cell.Path}
		if _, seen := s.cells[key]; !seen {
			s.order = append(s.order, key)
		}
		s.cells[key] = cell
	}
	s.judgedAt = time.Now()
	s.judged++
}

func (s *serverState) fault() {
	s.mu.Lock()
	s.faults++
	s.mu.Unlock()
}

// Snapshot reassembles the rolling matrix. Cells keep first-seen order;
// the summary is recomputed so EffectiveTests tracks the live registry.
func (s *serverState) Snapshot() *usersim.Matrix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := &usersim.Matrix{Cells: make([]usersim.PathResult, 0, len(s.order))}
	for _, key := range s.order {
		cell := s.cells[key]
		m.Cells = append(m.Cells, cell)
		m.Summary.TotalCount++
		if cell.Satisfied {
			m.Summary.SatisfiedCount++
		}
	}
	if s.registry != nil {
		m.Summary.EffectiveTests = judge.EffectiveTests(s.registry.Observers())
	}
	return m
}

type daemonStatus struct {
	Pack       *packSummary       `json:"pack,omitempty"`
	Observers  []string           `json:"observers"`
	Backend    string             `json:"backend"`
	CrossCheck bool               `json:"cross_check"`
	StartedAt  time.Time          `json:"started_at"`
	ReloadedAt time.Time          `json:"last_reload"`
	JudgedAt   *time.Time         `json:"last_judgement,omitempty"`
	UptimeSec  int64              `json:"uptime_sec"`
	Documents  uint64             `json:"documents_judged"`
	Faults     uint64             `json:"document_faults"`
	Pairs      int                `json:"pairs"`
	Sources    []sources.Metadata `json:"sources,omitempty"`
}

type packSummary struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	PackHash  string    `json:"pack_hash"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *serverState) status() daemonStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := daemonStatus{
		Observers:  []string{},
		Backend:    s.evaluator.BackendName(),
		CrossCheck: s.evaluator.CrossChecking(),
		StartedAt:  s.startedAt,
		ReloadedAt: s.reloadedAt,
		UptimeSec:  int64(time.Since(s.startedAt).Seconds()),
		Documents:  s.judged,
		Faults:     s.faults,
		Pairs:      len(s.order),
		Sources:    s.sourceMeta,
	}
	if s.pack != nil {
		st.Pack = &packSummary{
			Name:      s.pack.Name,
			Version:   s.pack.Version,
			PackHash:  s.pack.PackHash,
			CreatedAt: s.pack.CreatedAt,
		}
	}
	if s.registry != nil {
		for _, obs := range s.registry.Observers() {
			st.Observers = append(st.Observers, obs.Name)
		}
	}
	if !s.judgedAt.IsZero() {
		at := s.judgedAt
		st.JudgedAt = &at
	}
	return st
}

func (s *serverState) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *serverState) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	reg := s.Registry()
	if reg == nil || reg.Len() == 0 {
		writeJSONError(w, http.StatusServiceUnavailable, "no observers loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"observers": reg.Len(),
	})
}

func (s *serverState) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// handleJudgements serves the rolling matrix as a results document.
func (s *serverState) handleJudgements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	doc := interchange.EncodeMatrix(s.Snapshot())
	data, err := interchange.Marshal(doc)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleIngest accepts one metrics or perceptions document and queues it
// behind the streaming sources. The document is judged asynchronously.
func (s *serverState) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(r) {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	doc, err := sources.NewDoc("http", body, nil)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.docCh == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "ingest not wired")
		return
	}
	select {
	case s.docCh <- doc:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "path": doc.Path})
	default:
		writeJSONError(w, http.StatusServiceUnavailable, "ingest queue full")
	}
}

func (s *serverState) authorized(r *http.Request) bool {
	if s.ingestToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == s.ingestToken
	}
	return false
}

func startHTTPServer(ctx context.Context, addr string, state *serverState, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", state.handleHealth)
	mux.HandleFunc("/readyz", state.handleReady)
	mux.HandleFunc("/status", state.handleStatus)
	mux.HandleFunc("/judgements", state.handleJudgements)
	mux.HandleFunc("/ingest", state.handleIngest)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("http server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/dsl"
	"github.com/usersim/usersim-go/eval"
	"github.com/usersim/usersim-go/interchange"
	"github.com/usersim/usersim-go/perceive"
	"github.com/usersim/usersim-go/sources"
)

const gatePack = `observer "gatekeeper" {
  role "release gate"
  group "latency" {
    require "p95-bounded": if p95_ms > 0.0 then p95_ms <= 500.0
    require "no-errors": errors == 0.0
  }
}`

const gateMapping = `
"*":
  - fact: p95_ms
    path: metrics.latency.p95_ms
  - fact: errors
    path: metrics.errors
`

const passingMetrics = `{"schema":"usersim.metrics.v1","path":"checkout","metrics":{"errors":0,"latency":{"p95_ms":220.5}}}`

func newTestState(t *testing.T) *serverState {
	t.Helper()
	observers, err := dsl.Parse("gate.osim", []byte(gatePack))
	if err != nil {
		t.Fatalf("parse pack: %v", err)
	}
	registry := usersim.NewRegistry()
	for _, obs := range observers {
		if err := registry.Register(obs); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	mapping, err := perceive.ParseMapping([]byte(gateMapping))
	if err != nil {
		t.Fatalf("parse mapping: %v", err)
	}
	perceiver, err := perceive.New(mapping)
	if err != nil {
		t.Fatalf("compile mapping: %v", err)
	}
	evaluator, err := eval.New(eval.Options{CrossCheck: true})
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	return newServerState(registry, nil, perceiver, evaluator, nil)
}

func testDoc(t *testing.T, raw string) *sources.TypedDoc {
	t.Helper()
	doc, err := sources.NewDoc("test", []byte(raw), nil)
	if err != nil {
		t.Fatalf("build doc: %v", err)
	}
	return doc
}

func TestProcessMetricsDocument(t *testing.T) {
	state := newTestState(t)

	matrix, err := state.Process(context.Background(), testDoc(t, passingMetrics))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	cell, ok := matrix.Cell("gatekeeper", "checkout")
	if !ok {
		t.Fatalf("expected gatekeeper/checkout cell, got %+v", matrix.Cells)
	}
	if !cell.Satisfied {
		t.Fatalf("expected satisfied cell: %+v", cell.Results)
	}

	snap := state.Snapshot()
	if len(snap.Cells) != 1 || snap.Summary.SatisfiedCount != 1 {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	// two one-variable requirements: 4 + 4
	if snap.Summary.EffectiveTests != 8 {
		t.Fatalf("expected 8 effective tests, got %d", snap.Summary.EffectiveTests)
	}
}

func TestLatestDocumentWins(t *testing.T) {
	state := newTestState(t)
	ctx := context.Background()

	if _, err := state.Process(ctx, testDoc(t, passingMetrics)); err != nil {
		t.Fatalf("process passing doc: %v", err)
	}

	// Perceptions documents bypass the mapping and feed facts directly.
	failing := `{"schema":"usersim.perceptions.v1","paths":{"checkout":{"*":{"errors":3.0,"p95_ms":950.0}}}}`
	if _, err := state.Process(ctx, testDoc(t, failing)); err != nil {
		t.Fatalf("process failing doc: %v", err)
	}

	snap := state.Snapshot()
	if len(snap.Cells) != 1 {
		t.Fatalf("expected one rolling cell, got %d", len(snap.Cells))
	}
	if snap.Cells[0].Satisfied {
		t.Fatalf("expected the newest verdict to displace the old one")
	}

	if _, err := state.Process(ctx, testDoc(t, passingMetrics)); err != nil {
		t.Fatalf("process recovery doc: %v", err)
	}
	if snap := state.Snapshot(); !snap.Cells[0].Satisfied {
		t.Fatalf("expected the pair to recover")
	}
}

func TestProcessRejectsUnknownSchema(t *testing.T) {
	state := newTestState(t)

	_, err := state.Process(context.Background(), testDoc(t, `{"schema":"usersim.unknown.v1","metrics":{}}`))
	if err == nil {
		t.Fatalf("expected schema error")
	}
	if got := state.status().Faults; got != 1 {
		t.Fatalf("expected 1 fault, got %d", got)
	}
}

func TestMetricsNeedMapping(t *testing.T) {
	state := newTestState(t)
	state.perceiver = nil

	_, err := state.Process(context.Background(), testDoc(t, passingMetrics))
	if err == nil || !strings.Contains(err.Error(), "perception mapping") {
		t.Fatalf("expected mapping error, got %v", err)
	}
}

func TestHandleJudgements(t *testing.T) {
	state := newTestState(t)
	if _, err := state.Process(context.Background(), testDoc(t, passingMetrics)); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec := httptest.NewRecorder()
	state.handleJudgements(rec, httptest.NewRequest(http.MethodGet, "/judgements", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	doc, err := interchange.DecodeResults(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(doc.Results) != 1 || !doc.Results[0].Satisfied {
		t.Fatalf("unexpected results: %+v", doc.Results)
	}
}

func TestHandleIngest(t *testing.T) {
	state := newTestState(t)
	ch := make(chan *sources.TypedDoc, 1)
	state.docCh = ch
	state.ingestToken = "sesame"

	rec := httptest.NewRecorder()
	state.handleIngest(rec, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(passingMetrics)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(passingMetrics))
	req.Header.Set("Authorization", "Bearer sesame")
	state.handleIngest(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}

	select {
	case doc := <-ch:
		if doc.Path != "checkout" {
			t.Fatalf("unexpected path %q", doc.Path)
		}
		if doc.SourceID != "http" {
			t.Fatalf("unexpected source %q", doc.SourceID)
		}
	default:
		t.Fatalf("expected a queued document")
	}
}

func TestHandleReadyWithoutObservers(t *testing.T) {
	evaluator, err := eval.New(eval.Options{})
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	state := newServerState(usersim.NewRegistry(), nil, nil, evaluator, nil)

	rec := httptest.NewRecorder()
	state.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no observers, got %d", rec.Code)
	}
}

func TestGRPCJudge(t *testing.T) {
	state := newTestState(t)
	srv := &judgementServer{state: state}

	in, err := structpb.NewStruct(map[string]any{
		"schema": "usersim.metrics.v1",
		"path":   "checkout",
		"metrics": map[string]any{
			"errors":  0.0,
			"latency": map[string]any{"p95_ms": 220.5},
		},
	})
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}

	out, err := srv.Judge(context.Background(), in)
	if err != nil {
		t.Fatalf("judge: %v", err)
	}

	body := out.AsMap()
	results, ok := body["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected one result cell: %#v", body)
	}
	cell, ok := results[0].(map[string]any)
	if !ok || cell["satisfied"] != true {
		t.Fatalf("expected satisfied verdict: %#v", results[0])
	}

	// The synchronous verdict also lands in the rolling matrix.
	if snap := state.Snapshot(); len(snap.Cells) != 1 {
		t.Fatalf("expected the verdict absorbed, got %d cells", len(snap.Cells))
	}
}

func TestGRPCJudgeRejectsUnknownSchema(t *testing.T) {
	state := newTestState(t)
	srv := &judgementServer{state: state}

	in, err := structpb.NewStruct(map[string]any{"schema": "usersim.unknown.v1"})
	if err != nil {
		t.Fatalf("build struct: %v", err)
	}

	_, err = srv.Judge(context.Background(), in)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

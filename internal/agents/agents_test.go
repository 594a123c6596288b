package agents

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SampleBias/Oxidized-Bio/internal/dataset"
	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/llm"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
	"github.com/SampleBias/Oxidized-Bio/internal/search"
)

// fakeLLM answers by prompt kind, detected from the system message.
type fakeLLM struct {
	mu       sync.Mutex
	requests []*llm.Request
	err      error
	plan     string
}

func (f *fakeLLM) Invoke(_ context.Context, req *llm.Request, _ ...string) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	system := req.Messages[0].PlainText()
	content := "ok"
	switch {
	case strings.Contains(system, "planner"):
		content = f.plan
		if content == "" {
			content = "```json\n{\"questions\": [\"Is TP53 differentially expressed?\", \"Is TP53 differentially expressed?\"], \"search_queries\": [\"TP53 expression\"]}\n```"
		}
	case strings.Contains(system, "literature analyst"):
		content = "TP53 is frequently upregulated [1]."
	case strings.Contains(system, "biostatistician"):
		content = "Expression is higher in treated samples."
	case strings.Contains(system, "scientific writer"):
		content = "# Report\n\nTreated samples show higher TP53 expression [1]."
	}
	return &llm.Response{Provider: "a", Model: "a-model", Content: content, Usage: llm.Usage{TotalTokens: 10}, Calls: []llm.CallRecord{{Provider: "a"}}}, nil
}

// flakyBackend fails the first n calls with err.
type flakyBackend struct {
	search.StaticBackend
	mu    sync.Mutex
	fails int
	err   error
	calls int
}

func (f *flakyBackend) Search(ctx context.Context, q string, limit int) ([]search.Paper, error) {
	f.mu.Lock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, f.err
	}
	f.mu.Unlock()
	return f.StaticBackend.Search(ctx, q, limit)
}

var testPapers = []search.Paper{
	{ID: "W1", DOI: "10.1/abc", Title: "TP53 in cancer", Authors: []string{"Ada Lovelace", "Alan Turing"}, Year: 2020, Venue: "Nature"},
	{ID: "W2", Title: "Expression atlases", URL: "https://example.org/w2"},
}

func newTestRegistry(t *testing.T, fake *fakeLLM, backend search.Backend) *Registry {
	t.Helper()
	reg, err := NewDefaultRegistry(Deps{
		LLM:         fake,
		Search:      backend,
		Validator:   dataset.NewValidator(dataset.Config{RequiredColumns: []string{"sample_id"}}),
		SearchRetry: resilience.Policy{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }},
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return reg
}

func newSnapshot(input domain.Artifact) Snapshot {
	w := domain.NewWorkflowState("conv-1", input, time.Now())
	return NewSnapshot(w, 1)
}

// runPipeline executes every stage in order, committing each artifact to
// the snapshot the way the engine would.
func runPipeline(t *testing.T, reg *Registry, snap Snapshot) Snapshot {
	t.Helper()
	for _, stage := range domain.Stages {
		snap.Stage = stage
		h, err := reg.Lookup(stage)
		require.NoError(t, err)
		art, err := h(context.Background(), snap)
		require.NoError(t, err, stage)
		snap.Payload[stage] = art
		snap.Version++
	}
	return snap
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, Snapshot) (domain.Artifact, error) { return domain.Artifact{}, nil }

	require.NoError(t, r.Register(domain.StagePlanning, noop))
	assert.Error(t, r.Register("bogus", noop))
	assert.Error(t, r.Register(domain.StageDraft, nil))

	_, err := r.Lookup(domain.StagePlanning)
	assert.NoError(t, err)
	_, err = r.Lookup(domain.StageDraft)
	assert.ErrorIs(t, err, ErrNoHandler)

	err = r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ingestion"`)
	assert.NotContains(t, err.Error(), `"planning"`)
}

func TestNewDefaultRegistry_RequiresCollaborators(t *testing.T) {
	_, err := NewDefaultRegistry(Deps{Search: &search.StaticBackend{}})
	assert.Error(t, err)
	_, err = NewDefaultRegistry(Deps{LLM: &fakeLLM{}})
	assert.Error(t, err)
}

func TestPipeline_RowSummary(t *testing.T) {
	fake := &fakeLLM{}
	reg := newTestRegistry(t, fake, &search.StaticBackend{Papers: testPapers})

	snap := runPipeline(t, reg, newSnapshot(domain.Artifact{"dataset": "120 rows"}))
	require.Len(t, snap.Payload, len(domain.Stages))

	var ing IngestionOutput
	require.NoError(t, snap.Decode(domain.StageIngestion, &ing))
	assert.Equal(t, 120, ing.RowCount)
	assert.Equal(t, SourceSummary, ing.Source)
	assert.Equal(t, defaultObjective, ing.Objective)

	var plan PlanningOutput
	require.NoError(t, snap.Decode(domain.StagePlanning, &plan))
	assert.Equal(t, []string{"Is TP53 differentially expressed?"}, plan.Questions)
	assert.Equal(t, []string{"TP53 expression"}, plan.SearchQueries)
	assert.Equal(t, "a", plan.LLM.Provider)

	var lit LiteratureOutput
	require.NoError(t, snap.Decode(domain.StageLiterature, &lit))
	assert.Equal(t, "static", lit.Backend)
	assert.Len(t, lit.Papers, 2)

	var final FinalOutput
	require.NoError(t, snap.Decode(domain.StageFinal, &final))
	assert.Contains(t, final.Report, "## References")
	assert.Equal(t, []string{
		"[1] Ada Lovelace et al. (2020). TP53 in cancer. Nature. https://doi.org/10.1/abc",
		"[2] Expression atlases. https://example.org/w2",
	}, final.References)
	assert.Positive(t, final.WordCount)

	// Four LLM stages, each with its system prompt and a stable idempotency key.
	require.Len(t, fake.requests, 4)
	assert.True(t, fake.requests[0].JSONMode)
	for _, req := range fake.requests {
		assert.True(t, strings.HasPrefix(req.IdempotencyKey, snap.WorkflowID.String()+":"))
	}
	assert.Contains(t, fake.requests[1].Messages[1].PlainText(), "TP53 in cancer (2020)")
}

func TestIngestion_File(t *testing.T) {
	reg := newTestRegistry(t, &fakeLLM{}, &search.StaticBackend{})
	h, err := reg.Lookup(domain.StageIngestion)
	require.NoError(t, err)

	art, err := h(context.Background(), newSnapshot(domain.Artifact{
		"objective": "Compare groups",
		"dataset": map[string]any{
			"filename": "expr.csv",
			"content":  "sample_id,expression\ns1,1\ns2,3\n",
		},
	}))
	require.NoError(t, err)

	var out IngestionOutput
	require.NoError(t, decode(art, &out))
	assert.Equal(t, SourceFile, out.Source)
	assert.Equal(t, dataset.FormatCSV, out.Format)
	assert.Equal(t, 2, out.RowCount)
	assert.Equal(t, "Compare groups", out.Objective)
	require.NotNil(t, out.Summary)
	assert.InDelta(t, 2.0, out.Summary.Columns[1].Mean, 1e-9)
}

func TestIngestion_Errors(t *testing.T) {
	reg := newTestRegistry(t, &fakeLLM{}, &search.StaticBackend{})
	h, err := reg.Lookup(domain.StageIngestion)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input domain.Artifact
	}{
		{"missing dataset", domain.Artifact{}},
		{"bad summary", domain.Artifact{"dataset": "lots of rows"}},
		{"zero rows", domain.Artifact{"dataset": "0 rows"}},
		{"wrong type", domain.Artifact{"dataset": 12}},
		{"missing column", domain.Artifact{"dataset": map[string]any{"filename": "x.csv", "content": "a,b\n1,2\n"}}},
		{"unsupported format", domain.Artifact{"dataset": map[string]any{"filename": "x.xlsx", "content": "a"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h(context.Background(), newSnapshot(tc.input))
			require.Error(t, err)

			var ae *AgentError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, domain.StageIngestion, ae.Stage)
			assert.Equal(t, domain.KindPermanent, resilience.Classify(err))
		})
	}
}

func TestLiterature_RetriesFlakySearch(t *testing.T) {
	backend := &flakyBackend{
		StaticBackend: search.StaticBackend{Papers: testPapers},
		fails:         2,
		err:           domain.NewExternalAPIError("static", 503, "unavailable", nil),
	}
	reg := newTestRegistry(t, &fakeLLM{}, backend)
	snap := newSnapshot(domain.Artifact{"dataset": "10 rows"})

	for _, stage := range []domain.Stage{domain.StageIngestion, domain.StagePlanning, domain.StageLiterature} {
		snap.Stage = stage
		h, err := reg.Lookup(stage)
		require.NoError(t, err)
		art, err := h(context.Background(), snap)
		require.NoError(t, err)
		snap.Payload[stage] = art
	}
	assert.Equal(t, 3, backend.calls)
}

func TestLiterature_PermanentSearchError(t *testing.T) {
	backend := &flakyBackend{fails: 5, err: domain.NewExternalAPIError("static", 401, "unauthorized", nil)}
	reg := newTestRegistry(t, &fakeLLM{}, backend)
	h, err := reg.Lookup(domain.StageLiterature)
	require.NoError(t, err)

	snap := newSnapshot(nil)
	snap.Stage = domain.StageLiterature
	snap.Payload[domain.StagePlanning] = domain.Artifact{"questions": []any{"q"}, "search_queries": []any{"q"}}

	_, err = h(context.Background(), snap)
	require.Error(t, err)
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, domain.KindPermanent, resilience.Classify(err))
}

func TestHandlers_LLMErrorKeepsKind(t *testing.T) {
	agg := &llm.AggregateFailure{Failures: []llm.ProviderFailure{{Provider: "a", Attempts: 3, Err: errors.New("timeout")}}}
	reg := newTestRegistry(t, &fakeLLM{err: agg}, &search.StaticBackend{})
	h, err := reg.Lookup(domain.StagePlanning)
	require.NoError(t, err)

	snap := newSnapshot(nil)
	snap.Stage = domain.StagePlanning
	snap.Payload[domain.StageIngestion] = domain.Artifact{"row_count": 5, "objective": "x", "source": "summary"}

	_, err = h(context.Background(), snap)
	var ae *AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, domain.KindPermanent, ae.Kind)
	assert.ErrorAs(t, err, &agg)
}

func TestHandlers_MissingUpstreamArtifact(t *testing.T) {
	reg := newTestRegistry(t, &fakeLLM{}, &search.StaticBackend{})
	for _, stage := range domain.Stages[1:] {
		h, err := reg.Lookup(stage)
		require.NoError(t, err)
		snap := newSnapshot(nil)
		snap.Stage = stage
		_, err = h(context.Background(), snap)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, stage)
	}
}

func TestParsePlan(t *testing.T) {
	plan := parsePlan(`Here is the plan: {"questions": ["q1", " q2 "], "search_queries": []}`)
	assert.Equal(t, []string{"q1", "q2"}, plan.Questions)
	assert.Empty(t, plan.SearchQueries)

	plan = parsePlan("1. First question\n- Second question\n\n```")
	assert.Equal(t, []string{"First question", "Second question"}, plan.Questions)
}

func TestSnapshot_IsACopy(t *testing.T) {
	w := domain.NewWorkflowState("c", domain.Artifact{"k": "v"}, time.Now())
	w.Payload[domain.StageIngestion] = domain.Artifact{"row_count": 1}

	snap := NewSnapshot(w, 2)
	snap.Payload[domain.StageIngestion]["row_count"] = 99
	snap.Input["k"] = "changed"

	assert.Equal(t, 1, w.Payload[domain.StageIngestion]["row_count"])
	assert.Equal(t, "v", w.Input["k"])
	assert.Equal(t, 2, snap.Attempt)
	assert.Equal(t, w.ID.String()+":ingestion:0", snap.IdempotencyKey())
}

func TestFail(t *testing.T) {
	assert.Nil(t, Fail(domain.StageDraft, nil))

	err := Fail(domain.StageDraft, context.DeadlineExceeded)
	var ae *AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, domain.KindTransient, ae.Kind)
	assert.Equal(t, "agent draft: context deadline exceeded", err.Error())

	assert.Same(t, err, Fail(domain.StageFinal, err))
}

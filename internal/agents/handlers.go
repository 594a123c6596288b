package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/dataset"
	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/llm"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
	"github.com/SampleBias/Oxidized-Bio/internal/search"
)

const (
	defaultObjective = "Characterize the dataset and relate it to the published literature."

	maxQuestions     = 5
	maxSearchQueries = 3
	papersPerQuery   = 5
)

// Completer is the subset of the LLM gateway the handlers use.
type Completer interface {
	Invoke(ctx context.Context, req *llm.Request, order ...string) (*llm.Response, error)
}

// Deps are the collaborators of the default handlers.
type Deps struct {
	LLM       Completer
	Search    search.Backend
	Validator *dataset.Validator
	Prompts   *PromptCatalog

	// ProviderOrder overrides the gateway's configured fallback order.
	ProviderOrder []string
	Temperature   float64
	MaxTokens     int

	// SearchRetry governs calls to the search backend. Name is set per call.
	SearchRetry resilience.Policy

	Logger zerolog.Logger
}

// NewDefaultRegistry binds the six pipeline stages.
func NewDefaultRegistry(deps Deps) (*Registry, error) {
	if deps.LLM == nil {
		return nil, errors.New("agents: LLM gateway is required")
	}
	if deps.Search == nil {
		return nil, errors.New("agents: search backend is required")
	}
	if deps.Validator == nil {
		deps.Validator = dataset.NewValidator(dataset.Config{})
	}
	if deps.Prompts == nil {
		p, err := DefaultPrompts()
		if err != nil {
			return nil, err
		}
		deps.Prompts = p
	}
	if deps.MaxTokens <= 0 {
		deps.MaxTokens = 2048
	}

	h := &handlers{deps: deps, logger: deps.Logger.With().Str("component", "agents").Logger()}
	r := NewRegistry()
	for stage, fn := range map[domain.Stage]Handler{
		domain.StageIngestion:  h.ingestion,
		domain.StagePlanning:   h.planning,
		domain.StageLiterature: h.literature,
		domain.StageFindings:   h.findings,
		domain.StageDraft:      h.draft,
		domain.StageFinal:      h.final,
	} {
		if err := r.Register(stage, fn); err != nil {
			return nil, err
		}
	}
	return r, r.Validate()
}

type handlers struct {
	deps   Deps
	logger zerolog.Logger
}

func (h *handlers) log(ctx context.Context, snap Snapshot) zerolog.Logger {
	l := observability.WithWorkflowContext(h.logger, snap.WorkflowID.String(), snap.ConversationID)
	return observability.WithRequestContext(ctx, l).With().Str("stage", string(snap.Stage)).Logger()
}

func (h *handlers) ingestion(ctx context.Context, snap Snapshot) (domain.Artifact, error) {
	stage := domain.StageIngestion
	in, err := snap.DecodeInput()
	if err != nil {
		return nil, err
	}
	raw := bytes.TrimSpace(in.Dataset)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, Invalid(stage, "input.dataset is required")
	}

	out := IngestionOutput{Objective: strings.TrimSpace(in.Objective)}
	if out.Objective == "" {
		out.Objective = defaultObjective
	}

	var summary string
	if err := json.Unmarshal(raw, &summary); err == nil {
		n, ok := dataset.ParseRowSummary(summary)
		if !ok {
			return nil, Invalid(stage, "dataset summary %q is not of the form \"N rows\"", summary)
		}
		if n == 0 {
			return nil, Invalid(stage, "dataset has no rows")
		}
		out.Source = SourceSummary
		out.RowCount = n
	} else {
		var file DatasetFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, Invalid(stage, "input.dataset must be a row summary or a file object")
		}
		data := file.ContentBase64
		if len(data) == 0 {
			data = []byte(file.Content)
		}
		rows, err := h.deps.Validator.Validate(data, file.Filename)
		if err != nil {
			return nil, Fail(stage, err)
		}
		s := dataset.Summarize(rows)
		out.Source = SourceFile
		out.Filename = file.Filename
		out.Format = rows.Format
		out.RowCount = rows.Len()
		out.Columns = rows.Columns
		out.Summary = &s
	}

	l := h.log(ctx, snap)
	l.Info().Str("source", out.Source).Int("rows", out.RowCount).Msg("dataset ingested")
	return encode(out)
}

type planResponse struct {
	Questions     []string `json:"questions"`
	SearchQueries []string `json:"search_queries"`
}

func (h *handlers) planning(ctx context.Context, snap Snapshot) (domain.Artifact, error) {
	stage := domain.StagePlanning
	var ing IngestionOutput
	if err := snap.Decode(domain.StageIngestion, &ing); err != nil {
		return nil, err
	}

	resp, err := h.complete(ctx, snap, "planning", map[string]any{
		"Objective":    ing.Objective,
		"Dataset":      ing.Describe(),
		"MaxQuestions": maxQuestions,
		"MaxQueries":   maxSearchQueries,
	}, llm.WithJSONMode())
	if err != nil {
		return nil, err
	}

	plan := parsePlan(resp.Content)
	if len(plan.Questions) == 0 {
		return nil, &AgentError{Stage: stage, Kind: domain.KindTransient, Err: errors.New("model returned no research questions")}
	}
	if len(plan.SearchQueries) == 0 {
		plan.SearchQueries = plan.Questions
	}

	return encode(PlanningOutput{
		Questions:     capList(plan.Questions, maxQuestions),
		SearchQueries: capList(plan.SearchQueries, maxSearchQueries),
		LLM:           traceOf(resp),
	})
}

func (h *handlers) literature(ctx context.Context, snap Snapshot) (domain.Artifact, error) {
	stage := domain.StageLiterature
	var plan PlanningOutput
	if err := snap.Decode(domain.StagePlanning, &plan); err != nil {
		return nil, err
	}

	backend := h.deps.Search
	policy := h.deps.SearchRetry
	policy.Name = "search." + backend.Name()
	policy.Logger = h.logger

	seen := make(map[string]bool)
	var papers []search.Paper
	for _, q := range plan.SearchQueries {
		var hits []search.Paper
		err := resilience.Retry(ctx, policy, func(ctx context.Context, _ int) error {
			var err error
			hits, err = backend.Search(ctx, q, papersPerQuery)
			return err
		})
		if err != nil {
			return nil, Fail(stage, err)
		}
		for _, p := range hits {
			key := p.ID
			if p.DOI != "" {
				key = p.DOI
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			papers = append(papers, p)
		}
	}

	resp, err := h.complete(ctx, snap, "literature", map[string]any{
		"Questions": plan.Questions,
		"Papers":    papers,
	})
	if err != nil {
		return nil, err
	}

	if papers == nil {
		papers = []search.Paper{}
	}
	return encode(LiteratureOutput{
		Backend:   backend.Name(),
		Queries:   plan.SearchQueries,
		Papers:    papers,
		Synthesis: strings.TrimSpace(resp.Content),
		LLM:       traceOf(resp),
	})
}

func (h *handlers) findings(ctx context.Context, snap Snapshot) (domain.Artifact, error) {
	var (
		ing  IngestionOutput
		plan PlanningOutput
		lit  LiteratureOutput
	)
	if err := snap.Decode(domain.StageIngestion, &ing); err != nil {
		return nil, err
	}
	if err := snap.Decode(domain.StagePlanning, &plan); err != nil {
		return nil, err
	}
	if err := snap.Decode(domain.StageLiterature, &lit); err != nil {
		return nil, err
	}

	resp, err := h.complete(ctx, snap, "findings", map[string]any{
		"Objective": ing.Objective,
		"Dataset":   ing.Describe(),
		"Questions": plan.Questions,
		"Synthesis": lit.Synthesis,
	})
	if err != nil {
		return nil, err
	}
	return encode(FindingsOutput{Findings: strings.TrimSpace(resp.Content), LLM: traceOf(resp)})
}

func (h *handlers) draft(ctx context.Context, snap Snapshot) (domain.Artifact, error) {
	var (
		ing  IngestionOutput
		lit  LiteratureOutput
		find FindingsOutput
	)
	if err := snap.Decode(domain.StageIngestion, &ing); err != nil {
		return nil, err
	}
	if err := snap.Decode(domain.StageLiterature, &lit); err != nil {
		return nil, err
	}
	if err := snap.Decode(domain.StageFindings, &find); err != nil {
		return nil, err
	}

	resp, err := h.complete(ctx, snap, "draft", map[string]any{
		"Objective": ing.Objective,
		"Findings":  find.Findings,
		"Synthesis": lit.Synthesis,
	})
	if err != nil {
		return nil, err
	}
	return encode(DraftOutput{Draft: strings.TrimSpace(resp.Content), LLM: traceOf(resp)})
}

// final formats the draft and the reference list without calling a model.
func (h *handlers) final(_ context.Context, snap Snapshot) (domain.Artifact, error) {
	var (
		lit LiteratureOutput
		dr  DraftOutput
	)
	if err := snap.Decode(domain.StageLiterature, &lit); err != nil {
		return nil, err
	}
	if err := snap.Decode(domain.StageDraft, &dr); err != nil {
		return nil, err
	}
	if dr.Draft == "" {
		return nil, Invalid(domain.StageFinal, "draft is empty")
	}

	refs := make([]string, 0, len(lit.Papers))
	for i, p := range lit.Papers {
		refs = append(refs, formatReference(i+1, p))
	}

	var b strings.Builder
	b.WriteString(dr.Draft)
	if len(refs) > 0 {
		b.WriteString("\n\n## References\n\n")
		for _, r := range refs {
			b.WriteString(r)
			b.WriteByte('\n')
		}
	}
	report := strings.TrimRight(b.String(), "\n") + "\n"

	return encode(FinalOutput{Report: report, References: refs, WordCount: len(strings.Fields(dr.Draft))})
}

// complete renders a prompt and calls the gateway. Gateway errors keep their
// classification: an aggregate failure dead-letters, a transient error is
// retried by the dispatcher.
func (h *handlers) complete(ctx context.Context, snap Snapshot, prompt string, data any, opts ...llm.RequestOption) (*llm.Response, error) {
	p, err := h.deps.Prompts.Render(prompt, data)
	if err != nil {
		return nil, &AgentError{Stage: snap.Stage, Kind: domain.KindPermanent, Err: err}
	}

	opts = append([]llm.RequestOption{
		llm.WithMaxTokens(h.deps.MaxTokens),
		llm.WithIdempotencyKey(snap.IdempotencyKey()),
	}, opts...)
	if h.deps.Temperature > 0 {
		opts = append(opts, llm.WithTemperature(h.deps.Temperature))
	}
	req, err := llm.NewRequest([]llm.Message{
		llm.Text(llm.RoleSystem, p.System),
		llm.Text(llm.RoleUser, p.User),
	}, opts...)
	if err != nil {
		return nil, Fail(snap.Stage, err)
	}

	start := time.Now()
	resp, err := h.deps.LLM.Invoke(ctx, req, h.deps.ProviderOrder...)
	if err != nil {
		return nil, Fail(snap.Stage, err)
	}

	l := h.log(ctx, snap)
	l.Info().
		Str("provider", resp.Provider).
		Str("model", resp.Model).
		Int("attempts", len(resp.Calls)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("duration", time.Since(start)).
		Msg("stage completion")
	return resp, nil
}

// parsePlan accepts a JSON plan, optionally fenced, and falls back to one
// question per non-empty line.
func parsePlan(content string) planResponse {
	var plan planResponse
	if err := json.Unmarshal([]byte(extractJSON(content)), &plan); err == nil && len(plan.Questions) > 0 {
		plan.Questions = cleanList(plan.Questions)
		plan.SearchQueries = cleanList(plan.SearchQueries)
		return plan
	}
	var questions []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789.) "))
		if line != "" && !strings.HasPrefix(line, "```") {
			questions = append(questions, line)
		}
	}
	return planResponse{Questions: questions}
}

// extractJSON strips Markdown fences and any prose around the outermost object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func capList(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func formatReference(n int, p search.Paper) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] ", n)
	if len(p.Authors) > 0 {
		b.WriteString(p.Authors[0])
		if len(p.Authors) > 1 {
			b.WriteString(" et al.")
		}
		b.WriteString(" ")
	}
	if p.Year > 0 {
		fmt.Fprintf(&b, "(%d). ", p.Year)
	}
	b.WriteString(p.Title)
	if p.Venue != "" {
		b.WriteString(". " + p.Venue)
	}
	if p.DOI != "" {
		b.WriteString(". https://doi.org/" + p.DOI)
	} else if p.URL != "" {
		b.WriteString(". " + p.URL)
	}
	return b.String()
}

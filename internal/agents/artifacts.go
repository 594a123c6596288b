package agents

import (
	"encoding/json"
	"fmt"

	"github.com/SampleBias/Oxidized-Bio/internal/dataset"
	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/llm"
	"github.com/SampleBias/Oxidized-Bio/internal/search"
)

// Input is the initial artifact passed to StartWorkflow.
type Input struct {
	Objective string `json:"objective"`
	// Dataset is either a textual summary such as "120 rows" or an inline
	// DatasetFile object.
	Dataset json.RawMessage `json:"dataset"`
}

// DatasetFile is an inline dataset upload.
type DatasetFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	// ContentBase64 is used instead of Content for binary-safe transport.
	ContentBase64 []byte `json:"content_base64"`
}

// LLMTrace records which model produced an artifact.
type LLMTrace struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Usage    llm.Usage `json:"usage"`
	Attempts int       `json:"attempts"`
}

func traceOf(resp *llm.Response) LLMTrace {
	return LLMTrace{Provider: resp.Provider, Model: resp.Model, Usage: resp.Usage, Attempts: len(resp.Calls)}
}

// IngestionOutput is the ingestion artifact.
type IngestionOutput struct {
	Objective string           `json:"objective"`
	Source    string           `json:"source"`
	Filename  string           `json:"filename,omitempty"`
	Format    dataset.Format   `json:"format,omitempty"`
	RowCount  int              `json:"row_count"`
	Columns   []string         `json:"columns,omitempty"`
	Summary   *dataset.Summary `json:"summary,omitempty"`
}

// Describe renders the dataset for a prompt.
func (o IngestionOutput) Describe() string {
	if o.Summary == nil {
		return fmt.Sprintf("%d rows (no column profile available)", o.RowCount)
	}
	b, _ := json.Marshal(o.Summary)
	return string(b)
}

// Dataset sources.
const (
	SourceSummary = "summary"
	SourceFile    = "file"
)

// PlanningOutput is the planning artifact.
type PlanningOutput struct {
	Questions     []string `json:"questions"`
	SearchQueries []string `json:"search_queries"`
	LLM           LLMTrace `json:"llm"`
}

// LiteratureOutput is the literature artifact.
type LiteratureOutput struct {
	Backend   string         `json:"backend"`
	Queries   []string       `json:"queries"`
	Papers    []search.Paper `json:"papers"`
	Synthesis string         `json:"synthesis"`
	LLM       LLMTrace       `json:"llm"`
}

// FindingsOutput is the findings artifact.
type FindingsOutput struct {
	Findings string   `json:"findings"`
	LLM      LLMTrace `json:"llm"`
}

// DraftOutput is the draft artifact.
type DraftOutput struct {
	Draft string   `json:"draft"`
	LLM   LLMTrace `json:"llm"`
}

// FinalOutput is the final artifact.
type FinalOutput struct {
	Report     string   `json:"report"`
	References []string `json:"references"`
	WordCount  int      `json:"word_count"`
}

// encode converts a typed output into an Artifact. The JSON round trip keeps
// in-memory and Postgres-backed payloads identical in shape.
func encode(v any) (domain.Artifact, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var a domain.Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func decode(a domain.Artifact, v any) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Decode reads a committed stage artifact into v. A missing artifact is a
// permanent failure of the requesting stage.
func (s Snapshot) Decode(stage domain.Stage, v any) error {
	a, ok := s.Payload[stage]
	if !ok {
		return Invalid(s.Stage, "artifact for %s is missing", stage)
	}
	if err := decode(a, v); err != nil {
		return Invalid(s.Stage, "artifact for %s is malformed: %v", stage, err)
	}
	return nil
}

// DecodeInput reads the initial artifact.
func (s Snapshot) DecodeInput() (Input, error) {
	var in Input
	if err := decode(s.Input, &in); err != nil {
		return Input{}, Invalid(s.Stage, "input is malformed: %v", err)
	}
	return in, nil
}

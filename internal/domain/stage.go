package domain

import "fmt"

// Stage identifies one step of the research pipeline.
// These values must match the database enum pipeline_stage.
type Stage string

const (
	StageIngestion  Stage = "ingestion"
	StagePlanning   Stage = "planning"
	StageLiterature Stage = "literature"
	StageFindings   Stage = "findings"
	StageDraft      Stage = "draft"
	StageFinal      Stage = "final"
)

// Stages is the canonical pipeline order. A workflow only ever moves forward
// through this table.
var Stages = [...]Stage{
	StageIngestion,
	StagePlanning,
	StageLiterature,
	StageFindings,
	StageDraft,
	StageFinal,
}

// FirstStage is where every workflow starts.
const FirstStage = StageIngestion

// Index returns the position of s in Stages, or -1 if s is not a known stage.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is part of the pipeline.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// IsTerminal reports whether s is the last stage of the pipeline.
func (s Stage) IsTerminal() bool {
	return s == Stages[len(Stages)-1]
}

func (s Stage) String() string {
	return string(s)
}

// Next returns the stage that follows s. The boolean is true when s is the
// terminal stage and the workflow should complete instead. Next panics on an
// unknown stage; callers validate input with ParseStage first.
func Next(s Stage) (Stage, bool) {
	i := s.Index()
	if i < 0 {
		panic(fmt.Sprintf("domain: unknown stage %q", string(s)))
	}
	if i == len(Stages)-1 {
		return "", true
	}
	return Stages[i+1], false
}

// ParseStage converts a string into a Stage.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.Valid() {
		return "", NewValidationError("stage", fmt.Sprintf("unknown stage %q", v))
	}
	return s, nil
}

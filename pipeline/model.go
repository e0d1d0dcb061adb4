package pipeline

import (
	"time"

	"github.com/itsneelabh/paperflow/stagegraph"
)

// PipelineStatus is the overall run status of one pipeline.
type PipelineStatus string

const (
	Initialising PipelineStatus = "INITIALISING"
	Running      PipelineStatus = "RUNNING"
	Completed    PipelineStatus = "COMPLETED"
	Failed       PipelineStatus = "FAILED"
	Cancelled    PipelineStatus = "CANCELLED"
)

func (s PipelineStatus) String() string { return string(s) }

// StageStatus is the runtime status of one stage within a pipeline run.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageReady     StageStatus = "READY"
	StageRunning   StageStatus = "RUNNING"
	StageCompleted StageStatus = "COMPLETED"
	StageSkipped   StageStatus = "SKIPPED"
	StageFailed    StageStatus = "FAILED"
)

func (s StageStatus) String() string { return string(s) }

// StageInputProjection builds a stage's input from the results of
// previously-completed stages. Supplied by the embedder alongside
// PipelineConfig.
type StageInputProjection func(stageID string, upstreamResults map[string][]byte) []byte

// PipelineConfig is the input to one pipeline run.
type PipelineConfig struct {
	PipelineID           string
	UserID               string
	DocumentRef          string
	Graph                *stagegraph.StageGraph
	EnabledStages        map[string]bool // nil/empty means every stage in Graph is enabled
	CancellationDeadline time.Time       // zero means no deadline
	InputProjection      StageInputProjection
}

func (c PipelineConfig) stageEnabled(stageID string) bool {
	if len(c.EnabledStages) == 0 {
		return true
	}
	return c.EnabledStages[stageID]
}

// PipelineState is the runtime projection of a run, checkpointed after
// every stage transition.
type PipelineState struct {
	PipelineID   string
	Status       PipelineStatus
	StageStatus  map[string]StageStatus
	StageResult  map[string][]byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Error        string
}

func newPipelineState(pipelineID string) *PipelineState {
	now := nowFunc()
	return &PipelineState{
		PipelineID:  pipelineID,
		Status:      Initialising,
		StageStatus: make(map[string]StageStatus),
		StageResult: make(map[string][]byte),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *PipelineState) clone() *PipelineState {
	cp := &PipelineState{
		PipelineID:  s.PipelineID,
		Status:      s.Status,
		StageStatus: make(map[string]StageStatus, len(s.StageStatus)),
		StageResult: make(map[string][]byte, len(s.StageResult)),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		Error:       s.Error,
	}
	for k, v := range s.StageStatus {
		cp.StageStatus[k] = v
	}
	for k, v := range s.StageResult {
		cp.StageResult[k] = v
	}
	return cp
}

// StageOutcome is the per-stage record in a PipelineResult.
type StageOutcome struct {
	StageID string
	Status  StageStatus
	Result  []byte
	Error   string
}

// PipelineResult is the terminal value of a pipeline run.
type PipelineResult struct {
	PipelineID string
	Status     PipelineStatus
	Stages     []StageOutcome
	Error      string
}

// nowFunc exists so tests can deterministically control timestamps; the
// engine itself always uses time.Now via the default set in orchestrator.go.
var nowFunc = defaultNow

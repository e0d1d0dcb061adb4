package pipeline

import (
	"time"

	"github.com/itsneelabh/paperflow/agentrunner"
)

// progressEventSink adapts agentrunner.Event onto the ProgressBus, letting
// a single shared AgentRunner fan stage/task transitions out to whichever
// pipeline the task belongs to.
type progressEventSink struct {
	bus *ProgressBus
}

func newProgressEventSink(bus *ProgressBus) *progressEventSink {
	return &progressEventSink{bus: bus}
}

func (s *progressEventSink) Publish(event agentrunner.Event) {
	if event.PipelineID == "" {
		return
	}
	var errMsg error
	if event.Err != nil {
		errMsg = event.Err
	}
	s.bus.Publish(event.PipelineID, ProgressEvent{
		PipelineID: event.PipelineID,
		StageID:    event.StageID,
		Status:     string(event.Status),
		Timestamp:  time.Now(),
		Err:        errMsg,
	})
}

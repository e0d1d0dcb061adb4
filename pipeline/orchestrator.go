// Package pipeline drives a StageGraph to completion: it dispatches stages
// to AgentRunner as their dependencies resolve, checkpoints PipelineState
// after every transition, and reports progress on a ProgressBus. It is the
// engine's single entry point for running a pipeline end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/itsneelabh/paperflow/agentrunner"
	"github.com/itsneelabh/paperflow/breaker"
	"github.com/itsneelabh/paperflow/core"
	"github.com/itsneelabh/paperflow/stagegraph"
)

func defaultNow() time.Time { return time.Now() }

// Orchestrator drives a single pipeline run from PipelineConfig to
// PipelineResult, dispatching ready stages to a shared AgentRunner and
// reconciling their outcomes against the StageGraph's failure policies.
type Orchestrator struct {
	Registry    *Registry
	Runner      *agentrunner.Runner
	Bus         *ProgressBus
	Checkpoints CheckpointStore
	Logger      core.Logger
	Telemetry   core.Telemetry
}

// NewOrchestrator builds an Orchestrator from its collaborators. bus and
// checkpoints may be nil, in which case progress is dropped and checkpoints
// are kept in an InMemoryCheckpointStore. telemetry may be nil, in which
// case stage/pipeline spans are no-ops.
func NewOrchestrator(registry *Registry, runner *agentrunner.Runner, bus *ProgressBus, checkpoints CheckpointStore, logger core.Logger, telemetry core.Telemetry) *Orchestrator {
	if bus == nil {
		bus = NewProgressBus(logger)
	}
	if checkpoints == nil {
		checkpoints = NewInMemoryCheckpointStore()
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Orchestrator{Registry: registry, Runner: runner, Bus: bus, Checkpoints: checkpoints, Logger: logger, Telemetry: telemetry}
}

// stageResult is what a dispatched stage reports back to the main loop.
type stageResult struct {
	StageID string
	Status  StageStatus
	Result  []byte
	Err     error
}

// Run drives config's StageGraph to completion. Cancelling ctx cancels every
// in-flight stage and every stage not yet dispatched is marked SKIPPED.
// Progress is reported on o.Bus under config.PipelineID; the embedder
// subscribes independently via o.Bus.Subscribe before calling Run.
func (o *Orchestrator) Run(ctx context.Context, config PipelineConfig) (*PipelineResult, error) {
	if config.Graph == nil {
		return nil, core.NewFrameworkError("pipeline.Run", core.KindInvalidInput, core.ErrInvalidInput)
	}
	if err := o.Registry.ValidateAgainst(config.Graph); err != nil {
		return nil, err
	}
	ctx, span := o.Telemetry.StartSpan(ctx, "pipeline.Run")
	span.SetAttribute("pipeline_id", config.PipelineID)
	defer span.End()

	if !config.CancellationDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, config.CancellationDeadline)
		defer cancel()
	}

	state := newPipelineState(config.PipelineID)
	for _, id := range config.Graph.StageIDs() {
		if config.stageEnabled(id) {
			state.StageStatus[id] = StagePending
		}
	}
	o.publish(config.PipelineID, "", state.Status, nil)
	o.checkpoint(ctx, state)

	state.Status = Running
	o.checkpoint(ctx, state)

	runCtx, cancelStages := context.WithCancel(ctx)
	defer cancelStages()

	frontier := o.enabledRoots(config)
	dispatched := make(map[string]bool)
	resultsCh := make(chan stageResult)
	inFlight := 0

	// groupPending/groupResults hold the stages of a parallelGroup dispatched
	// together in one scheduling pass until every one of them has reported
	// back, so the group is reconciled and unblocks downstream stages as a
	// single unit rather than member by member.
	groupPending := make(map[string]map[string]bool)
	groupResults := make(map[string][]stageResult)

	dispatchOne := func(id string) {
		dispatched[id] = true
		state.StageStatus[id] = StageReady
		o.publish(config.PipelineID, id, StageReady, nil)
		state.StageStatus[id] = StageRunning
		o.publish(config.PipelineID, id, StageRunning, nil)
		o.checkpoint(ctx, state)
		inFlight++
		if node, ok := config.Graph.Stage(id); ok && node.ParallelGroup != "" {
			if groupPending[node.ParallelGroup] == nil {
				groupPending[node.ParallelGroup] = make(map[string]bool)
			}
			groupPending[node.ParallelGroup][id] = true
		}
		upstream := snapshotResults(state)
		go o.runStage(runCtx, config, id, upstream, resultsCh)
	}

	for _, id := range frontier {
		dispatchOne(id)
	}

	var cancelledByCaller bool
loop:
	for inFlight > 0 {
		select {
		case <-ctx.Done():
			cancelledByCaller = true
			cancelStages()
			o.drainRemaining(resultsCh, &inFlight)
			break loop
		case res := <-resultsCh:
			inFlight--
			if ctx.Err() != nil {
				// A pipeline-level cancellation raced this stage's result;
				// cancellation always wins so no stage is left dangling
				// between FAILED and SKIPPED.
				cancelledByCaller = true
				cancelStages()
				o.drainRemaining(resultsCh, &inFlight)
				break loop
			}

			node, _ := config.Graph.Stage(res.StageID)
			group := ""
			if node != nil {
				group = node.ParallelGroup
			}

			if group == "" {
				newlyReady := o.applyResult(config, state, res)
				o.checkpoint(ctx, state)
				for _, id := range newlyReady {
					if !dispatched[id] {
						dispatchOne(id)
					}
				}
				continue
			}

			groupResults[group] = append(groupResults[group], res)
			delete(groupPending[group], res.StageID)
			if len(groupPending[group]) > 0 {
				continue // still waiting on other members of this group
			}

			members := groupResults[group]
			sort.Slice(members, func(i, j int) bool { return members[i].StageID < members[j].StageID })
			seen := make(map[string]bool)
			var allNewlyReady []string
			for _, mres := range members {
				for _, id := range o.applyResult(config, state, mres) {
					if !seen[id] {
						seen[id] = true
						allNewlyReady = append(allNewlyReady, id)
					}
				}
			}
			o.publishGroupOutcome(config.PipelineID, group, members, state)
			o.checkpoint(ctx, state)
			sort.Strings(allNewlyReady)
			for _, id := range allNewlyReady {
				if !dispatched[id] {
					dispatchOne(id)
				}
			}
			delete(groupResults, group)
			delete(groupPending, group)
		}
	}

	if cancelledByCaller {
		for id, status := range state.StageStatus {
			if status == StagePending || status == StageReady || status == StageRunning {
				state.StageStatus[id] = StageSkipped
				o.publish(config.PipelineID, id, StageSkipped, nil)
			}
		}
		state.Status = Cancelled
		state.Error = "pipeline cancelled"
		o.checkpoint(ctx, state)
		o.publish(config.PipelineID, "", state.Status, nil)
		span.RecordError(ctx.Err())
		return o.result(state), nil
	}

	state.Status, state.Error = o.finalStatus(config, state)
	o.checkpoint(ctx, state)
	o.publish(config.PipelineID, "", state.Status, nil)
	if state.Status == Failed {
		span.RecordError(errors.New(state.Error))
	}
	return o.result(state), nil
}

// enabledRoots returns the graph's roots that are enabled in config, in
// StageIDs order for determinism.
func (o *Orchestrator) enabledRoots(config PipelineConfig) []string {
	roots := make(map[string]bool)
	for _, id := range config.Graph.Roots() {
		roots[id] = true
	}
	var out []string
	for _, id := range config.Graph.StageIDs() {
		if roots[id] && config.stageEnabled(id) {
			out = append(out, id)
		}
	}
	return out
}

func snapshotResults(state *PipelineState) map[string][]byte {
	cp := make(map[string][]byte, len(state.StageResult))
	for k, v := range state.StageResult {
		cp[k] = v
	}
	return cp
}

// runStage executes one stage through AgentRunner, recovering from panics
// and reporting them as an INTERNAL-kind failure rather than crashing the
// orchestrator goroutine (§4.8's engine-level-bugs clause).
func (o *Orchestrator) runStage(ctx context.Context, config PipelineConfig, stageID string, upstream map[string][]byte, out chan<- stageResult) {
	ctx, span := o.Telemetry.StartSpan(ctx, "pipeline.runStage")
	span.SetAttribute("pipeline_id", config.PipelineID)
	span.SetAttribute("stage_id", stageID)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := core.NewFrameworkError("pipeline.runStage", core.KindInternal,
				fmt.Errorf("panic in stage %s: %v\n%s", stageID, r, debug.Stack()))
			span.RecordError(err)
			out <- stageResult{StageID: stageID, Status: StageFailed, Err: err}
		}
	}()

	node, ok := config.Graph.Stage(stageID)
	if !ok {
		out <- stageResult{StageID: stageID, Status: StageFailed, Err: fmt.Errorf("pipeline: unknown stage %q", stageID)}
		return
	}
	capability, ok := o.Registry.Lookup(breaker.AgentKind(node.AgentKind))
	if !ok {
		out <- stageResult{StageID: stageID, Status: StageFailed, Err: fmt.Errorf("pipeline: no capability registered for agent kind %q", node.AgentKind)}
		return
	}

	var input []byte
	if config.InputProjection != nil {
		input = config.InputProjection(stageID, upstream)
	}

	result, err := o.Runner.Run(ctx, capability, agentrunner.Request{
		UserID:     config.UserID,
		PipelineID: config.PipelineID,
		StageID:    stageID,
		Input:      input,
	})
	if err != nil {
		out <- stageResult{StageID: stageID, Status: StageFailed, Err: err}
		return
	}
	out <- stageResult{StageID: stageID, Status: StageCompleted, Result: result}
}

// applyResult reconciles one finished stage against its failure policy and
// returns the stage IDs newly unblocked as a result.
func (o *Orchestrator) applyResult(config PipelineConfig, state *PipelineState, res stageResult) []string {
	node, _ := config.Graph.Stage(res.StageID)

	switch res.Status {
	case StageCompleted:
		state.StageStatus[res.StageID] = StageCompleted
		state.StageResult[res.StageID] = res.Result
		o.publish(config.PipelineID, res.StageID, StageCompleted, nil)
		return o.unblockedFrontier(config, state)

	case StageFailed:
		policy := stagegraph.Abort
		if node != nil && node.OnFailure != "" {
			policy = node.OnFailure
		}
		switch policy {
		case stagegraph.ContinueWithNull:
			state.StageStatus[res.StageID] = StageCompleted
			state.StageResult[res.StageID] = nil
			o.publish(config.PipelineID, res.StageID, StageCompleted, res.Err)
			return o.unblockedFrontier(config, state)

		case stagegraph.Skip:
			state.StageStatus[res.StageID] = StageFailed
			o.publish(config.PipelineID, res.StageID, StageFailed, res.Err)
			for _, id := range config.Graph.Descendants(res.StageID) {
				if state.StageStatus[id] == StagePending || state.StageStatus[id] == StageReady {
					state.StageStatus[id] = StageSkipped
					o.publish(config.PipelineID, id, StageSkipped, nil)
				}
			}
			return o.unblockedFrontier(config, state)

		default: // Abort
			state.StageStatus[res.StageID] = StageFailed
			if state.Error == "" {
				state.Error = res.Err.Error()
			}
			o.publish(config.PipelineID, res.StageID, StageFailed, res.Err)
			for id, status := range state.StageStatus {
				if status == StagePending || status == StageReady {
					state.StageStatus[id] = StageSkipped
					o.publish(config.PipelineID, id, StageSkipped, nil)
				}
			}
			return nil
		}
	}
	return nil
}

// unblockedFrontier returns every stage whose dependencies are now all
// terminal-and-satisfied (COMPLETED or SKIPPED), sorted for determinism.
func (o *Orchestrator) unblockedFrontier(config PipelineConfig, state *PipelineState) []string {
	var ready []string
	for _, id := range config.Graph.StageIDs() {
		if state.StageStatus[id] != StagePending {
			continue
		}
		node, ok := config.Graph.Stage(id)
		if !ok {
			continue
		}
		satisfied := true
		for _, dep := range node.Dependencies {
			depStatus, seen := state.StageStatus[dep]
			if !seen || (depStatus != StageCompleted && depStatus != StageSkipped) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// drainRemaining waits for every still-in-flight stage goroutine to report
// back (they observe ctx cancellation and exit promptly) so no stage is
// left RUNNING in the final state.
func (o *Orchestrator) drainRemaining(resultsCh <-chan stageResult, inFlight *int) {
	for *inFlight > 0 {
		<-resultsCh
		*inFlight--
	}
}

// finalStatus computes the pipeline's terminal status from its stage
// statuses: FAILED iff some stage FAILED under the ABORT policy; otherwise
// COMPLETED iff at least one stage is COMPLETED. A stage that FAILED under
// the SKIP policy does not fail the pipeline by itself.
func (o *Orchestrator) finalStatus(config PipelineConfig, state *PipelineState) (PipelineStatus, string) {
	completedCount := 0
	for id, status := range state.StageStatus {
		if status == StageFailed {
			if node, ok := config.Graph.Stage(id); !ok || node.OnFailure == "" || node.OnFailure == stagegraph.Abort {
				return Failed, state.Error
			}
		}
		if status == StageCompleted {
			completedCount++
		}
	}
	if completedCount > 0 {
		return Completed, ""
	}
	return Failed, "pipeline produced no completed stages"
}

func (o *Orchestrator) result(state *PipelineState) *PipelineResult {
	res := &PipelineResult{PipelineID: state.PipelineID, Status: state.Status, Error: state.Error}
	ids := make([]string, 0, len(state.StageStatus))
	for id := range state.StageStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res.Stages = append(res.Stages, StageOutcome{
			StageID: id,
			Status:  state.StageStatus[id],
			Result:  state.StageResult[id],
		})
	}
	return res
}

// groupSeverity ranks a StageStatus for parallel-group aggregation: FAILED
// outranks SKIPPED, which outranks COMPLETED.
func groupSeverity(s StageStatus) int {
	switch s {
	case StageFailed:
		return 3
	case StageSkipped:
		return 2
	case StageCompleted:
		return 1
	default:
		return 0
	}
}

// publishGroupOutcome reports the aggregate outcome of a parallelGroup once
// every member dispatched together has reconciled, using the most-severe
// member status (FAILED > SKIPPED > COMPLETED) rather than any one member's.
func (o *Orchestrator) publishGroupOutcome(pipelineID, group string, members []stageResult, state *PipelineState) {
	aggregate := StageCompleted
	for _, m := range members {
		if status := state.StageStatus[m.StageID]; groupSeverity(status) > groupSeverity(aggregate) {
			aggregate = status
		}
	}
	o.publish(pipelineID, "group:"+group, aggregate, nil)
}

func (o *Orchestrator) publish(pipelineID, stageID string, status fmt.Stringer, err error) {
	o.Bus.Publish(pipelineID, ProgressEvent{
		PipelineID: pipelineID,
		StageID:    stageID,
		Status:     status.String(),
		Timestamp:  time.Now(),
		Err:        err,
	})
}

func (o *Orchestrator) checkpoint(ctx context.Context, state *PipelineState) {
	state.UpdatedAt = time.Now()
	if err := o.Checkpoints.Save(ctx, state); err != nil {
		o.Logger.Warn("pipeline: failed to checkpoint state", map[string]interface{}{
			"pipeline_id": state.PipelineID, "error": err.Error(),
		})
	}
}

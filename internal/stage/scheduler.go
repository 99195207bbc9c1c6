package stage

import (
	"context"
	"fmt"
	"time"

	"taskforge/internal/bgtask"
	"taskforge/internal/config"
	"taskforge/internal/logging"
	"taskforge/internal/worker"
)

// minPollInterval floors the configured poll_interval_ms so a
// misconfigured zero value can't busy-loop the dispatcher.
const minPollInterval = 5 * time.Millisecond

// Scheduler is the Stage Scheduler. It talks to the Background Manager
// only through its public operations.
type Scheduler struct {
	manager *bgtask.Manager
	cfg     *config.StageConfig
}

// NewScheduler builds a Scheduler over an existing Background Manager.
func NewScheduler(manager *bgtask.Manager, cfg *config.StageConfig) *Scheduler {
	return &Scheduler{manager: manager, cfg: cfg}
}

type runState struct {
	task         LogicalTask
	progress     *TaskProgress
	retryReadyAt int64 // ms epoch; 0 means immediately eligible
}

// barrierRun holds everything scoped to one RunStageBarrier call, so
// concurrent callers sharing a Scheduler never touch each other's state.
type barrierRun struct {
	sched  *Scheduler
	params StageRunParams

	dependents map[string][]string
	states     map[string]*runState
	active     map[string]string // logicalID -> bgTaskID

	retryCount           int
	fileChanges          []bgtask.FileChange
	toolEvents           int
	completionMarkerSeen bool
}

// RunStageBarrier runs every task in params.Stage to completion, failure,
// or skip, respecting dependency order, file isolation, and the
// configured concurrency cap. It returns once no task can make further
// progress.
func (s *Scheduler) RunStageBarrier(ctx context.Context, params StageRunParams) (*StageResult, error) {
	st := params.Stage
	if err := validateGraph(st.Tasks); err != nil {
		return nil, err
	}

	br := &barrierRun{
		sched:      s,
		params:     params,
		dependents: reverseEdges(st.Tasks),
		states:     make(map[string]*runState, len(st.Tasks)),
		active:     make(map[string]string),
	}
	for _, t := range st.Tasks {
		br.states[t.ID] = &runState{task: t, progress: &TaskProgress{LogicalTaskID: t.ID, Status: ProgressPending}}
	}

	timer := logging.StartTimer(logging.CategoryStage, "barrier:"+st.ID)
	defer timer.Stop()

	poll := time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	if poll < minPollInterval {
		poll = minPollInterval
	}

	for {
		if err := ctx.Err(); err != nil {
			return br.result(), err
		}

		br.dispatchReady(ctx)

		if len(br.active) == 0 && !anyPending(br.states) {
			break
		}

		if err := s.manager.Tick(ctx); err != nil {
			logging.StageWarn("tick failed during stage %s: %v", st.ID, err)
		}
		br.pollActive(st.ID)

		if len(br.active) == 0 && !anyPending(br.states) {
			break
		}

		select {
		case <-ctx.Done():
			return br.result(), ctx.Err()
		case <-time.After(poll):
		}
	}

	return br.result(), nil
}

func (br *barrierRun) dispatchReady(ctx context.Context) {
	s := br.sched
	now := time.Now().UnixMilli()
	for id, st := range br.states {
		if len(br.active) >= s.cfg.MaxConcurrency {
			return
		}
		if st.progress.Status != ProgressPending {
			continue
		}
		if st.retryReadyAt > now {
			continue
		}
		if !depsSatisfied(st.task, br.states) {
			continue
		}

		payload := br.dispatchPayload(st)
		bg, err := s.manager.LaunchDelegateTask(br.params.Stage.ID, id, st.task.Description, payload, st.task.Mode, st.task.Run)
		if err != nil {
			st.progress.Status = ProgressFailed
			st.progress.LastError = err.Error()
			cascadeSkip(id, br.states, br.dependents)
			continue
		}
		st.progress.Status = ProgressDispatched
		st.progress.BgTaskID = bg.ID
		br.active[id] = bg.ID
	}
}

// dispatchPayload merges the logical task's own payload with the
// session-wide context the worker's payload contract (recognized keys:
// sessionId, model, providerType, priorContext, plus stage placement)
// requires every dispatched task to carry.
func (br *barrierRun) dispatchPayload(st *runState) map[string]interface{} {
	p := make(map[string]interface{}, len(st.task.Payload)+7)
	for k, v := range st.task.Payload {
		p[k] = v
	}
	p["sessionId"] = br.params.SessionID
	p["model"] = br.params.Model
	p["providerType"] = br.params.ProviderType
	p["priorContext"] = br.params.PriorContext
	p["stageIndex"] = br.params.StageIndex
	p["stageCount"] = br.params.StageCount
	p["attempt"] = st.progress.Attempt
	if len(st.task.PlannedFiles) > 0 {
		p["plannedFiles"] = st.task.PlannedFiles
	}
	return p
}

func depsSatisfied(task LogicalTask, states map[string]*runState) bool {
	for _, dep := range task.DependsOn {
		if states[dep].progress.Status != ProgressCompleted {
			return false
		}
	}
	return true
}

func (br *barrierRun) pollActive(stageID string) {
	for id, bgID := range br.active {
		st := br.states[id]
		task, err := br.sched.manager.Get(bgID)
		if err != nil {
			logging.StageWarn("stage %s: lost track of %s (%s): %v", stageID, id, bgID, err)
			continue
		}
		if !task.Status.IsTerminal() {
			continue
		}
		delete(br.active, id)

		switch classify(task, st.task.PlannedFiles) {
		case outcomeCompleted:
			st.progress.Status = ProgressCompleted
			br.recordCompletion(task)
		case outcomeRetryable:
			if br.handleRetryable(stageID, st, task) {
				cascadeSkip(id, br.states, br.dependents)
			}
		case outcomePermanentFailure:
			st.progress.Status = ProgressFailed
			st.progress.LastError = task.Error
			cascadeSkip(id, br.states, br.dependents)
		}
	}
}

// recordCompletion accumulates the stage-wide result aggregates a
// successful task contributes: its file changes, tool events, and
// whether its reply carried the completion sentinel.
func (br *barrierRun) recordCompletion(task *bgtask.Task) {
	if task.Result == nil {
		return
	}
	br.toolEvents += task.Result.ToolEvents
	br.fileChanges = append(br.fileChanges, task.Result.FileChanges...)
	if worker.HasTaskComplete(task.Result.Reply) {
		br.completionMarkerSeen = true
	}
}

// handleRetryable updates st for a retryable outcome and returns true if
// retries are exhausted and the task is now a permanent failure. A
// task-level MaxRetries override takes priority over the stage-wide
// config default. Retries wait only a poll interval — no exponential
// backoff, since retries here are cheap and bounded.
func (br *barrierRun) handleRetryable(stageID string, st *runState, task *bgtask.Task) bool {
	maxRetries := br.sched.cfg.TaskMaxRetries
	if st.task.MaxRetries != nil {
		maxRetries = *st.task.MaxRetries
	}
	if st.progress.Attempt >= maxRetries {
		st.progress.Status = ProgressFailed
		st.progress.LastError = task.Error
		logging.StageWarn("stage %s: %s exhausted retries: %s", stageID, st.task.ID, task.Error)
		return true
	}

	st.progress.Attempt++
	br.retryCount++
	poll := time.Duration(br.sched.cfg.PollIntervalMs) * time.Millisecond
	if poll < minPollInterval {
		poll = minPollInterval
	}
	st.retryReadyAt = time.Now().Add(poll).UnixMilli()
	st.progress.Status = ProgressPending
	st.progress.LastError = task.Error
	logging.StageDebug("stage %s: %s retrying in %v (attempt %d, transient=%v)",
		stageID, st.task.ID, poll, st.progress.Attempt, isTransientError(task.Error))
	return false
}

// cascadeSkip marks every transitive dependent of a permanently failed
// task as skipped.
func cascadeSkip(id string, states map[string]*runState, dependents map[string][]string) {
	queue := append([]string{}, dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		st := states[next]
		if st.progress.Status == ProgressSkipped || st.progress.Status == ProgressCompleted {
			continue
		}
		st.progress.Status = ProgressSkipped
		st.progress.LastError = fmt.Sprintf("skipped: depends on failed task")
		queue = append(queue, dependents[next]...)
	}
}

func reverseEdges(tasks []LogicalTask) map[string][]string {
	out := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			out[dep] = append(out[dep], t.ID)
		}
	}
	return out
}

func anyPending(states map[string]*runState) bool {
	for _, st := range states {
		if st.progress.Status == ProgressPending {
			return true
		}
	}
	return false
}

func (br *barrierRun) result() *StageResult {
	res := &StageResult{
		StageID:              br.params.Stage.ID,
		Progress:             make(map[string]*TaskProgress, len(br.states)),
		RetryCount:           br.retryCount,
		CompletionMarkerSeen: br.completionMarkerSeen,
		FileChanges:          br.fileChanges,
		ToolEvents:           br.toolEvents,
	}
	for id, st := range br.states {
		res.Progress[id] = st.progress
		switch st.progress.Status {
		case ProgressCompleted:
			res.Completed = append(res.Completed, id)
		case ProgressFailed:
			res.Failed = append(res.Failed, id)
		case ProgressSkipped:
			res.Skipped = append(res.Skipped, id)
		}
	}
	res.SuccessCount = len(res.Completed)
	res.FailCount = len(res.Failed)
	res.AllSuccess = res.FailCount == 0 && len(res.Skipped) == 0
	return res
}

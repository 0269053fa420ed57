package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/events"
)

// Router picks the next node after a conditional stage. It must return
// the name of a registered node or StageEnd.
type Router func(State) string

// Engine drives a workflow graph: it executes nodes in edge order,
// folds their deltas into the thread state, checkpoints after every
// node, and publishes stage_update events for each transition. Nodes
// signal a pause by returning an *Interrupt; the engine persists the
// pending interrupt and exits cleanly, and Resume picks the thread
// back up at the interrupted node.
//
// Each thread is serialized by its own lock, so a Resume can never
// race the run that created the interrupt. Different threads execute
// concurrently.
type Engine struct {
	nodes    map[string]Node
	edges    map[string]string
	branches map[string]Router
	entry    string

	store     CheckpointStore
	bus       *events.Bus
	logger    core.Logger
	telemetry core.Telemetry

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineTelemetry sets the engine telemetry provider
func WithEngineTelemetry(t core.Telemetry) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.telemetry = t
		}
	}
}

// NewEngine creates a workflow engine over the given checkpoint store
// and event bus.
func NewEngine(store CheckpointStore, bus *events.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		nodes:     make(map[string]Node),
		edges:     make(map[string]string),
		branches:  make(map[string]Router),
		store:     store,
		bus:       bus,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		threads:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cal, ok := e.logger.(core.ComponentAwareLogger); ok {
		e.logger = cal.WithComponent("workflow.engine")
	}
	return e
}

// AddNode registers a node under its Name().
func (e *Engine) AddNode(n Node) error {
	name := n.Name()
	if name == "" {
		return fmt.Errorf("node has empty name")
	}
	if _, exists := e.nodes[name]; exists {
		return fmt.Errorf("node %q already registered", name)
	}
	e.nodes[name] = n
	return nil
}

// AddEdge wires an unconditional transition from one node to the next.
func (e *Engine) AddEdge(from, to string) {
	e.edges[from] = to
}

// AddBranch wires a conditional transition: after from completes, the
// router inspects the state and names the next node.
func (e *Engine) AddBranch(from string, r Router) {
	e.branches[from] = r
}

// SetEntry names the first node executed for a new thread.
func (e *Engine) SetEntry(name string) {
	e.entry = name
}

// Validate checks the graph for structural mistakes: a missing entry
// point, edges into unregistered nodes, or nodes with no way out.
func (e *Engine) Validate() error {
	if e.entry == "" {
		return fmt.Errorf("workflow graph has no entry point")
	}
	if _, ok := e.nodes[e.entry]; !ok {
		return fmt.Errorf("entry node %q is not registered", e.entry)
	}
	for from, to := range e.edges {
		if _, ok := e.nodes[from]; !ok {
			return fmt.Errorf("edge from unregistered node %q", from)
		}
		if to != StageEnd {
			if _, ok := e.nodes[to]; !ok {
				return fmt.Errorf("edge %q -> %q targets unregistered node", from, to)
			}
		}
	}
	for from := range e.branches {
		if _, ok := e.nodes[from]; !ok {
			return fmt.Errorf("branch from unregistered node %q", from)
		}
	}
	for name := range e.nodes {
		_, hasEdge := e.edges[name]
		_, hasBranch := e.branches[name]
		if !hasEdge && !hasBranch {
			return fmt.Errorf("node %q has no outgoing edge", name)
		}
	}
	return nil
}

// Run starts a new thread with the given payload and drives it until
// it completes, pauses on an interrupt, or fails. The returned state
// is the thread's state at the moment Run stopped driving it.
func (e *Engine) Run(ctx context.Context, threadID string, payload InvoicePayload) (State, error) {
	if e.entry == "" {
		return State{}, fmt.Errorf("workflow graph has no entry point")
	}

	lock := e.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	state := NewState(threadID, payload)
	cp := &Checkpoint{
		ThreadID:  threadID,
		State:     state,
		NextNode:  e.entry,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Save(ctx, cp); err != nil {
		return state, err
	}

	e.logger.Info("Workflow started", map[string]interface{}{
		"operation":  "run",
		"thread_id":  threadID,
		"invoice_id": payload.InvoiceID,
	})

	return e.drive(ctx, cp, nil)
}

// Resume continues a paused thread with a human decision. It fails
// with core.ErrThreadNotFound if the thread is unknown,
// core.ErrWorkflowNotPaused if the thread is not paused, and
// core.ErrNoPendingInterrupt if no interrupt is waiting for input.
func (e *Engine) Resume(ctx context.Context, threadID string, value ResumeValue) (State, error) {
	lock := e.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	cp, err := e.store.Load(ctx, threadID)
	if err != nil {
		return State{}, err
	}
	if cp.State.Status != StatusPaused {
		return cp.State, &core.WorkflowError{
			Op:   "engine.Resume",
			Kind: "workflow",
			ID:   threadID,
			Err:  core.ErrWorkflowNotPaused,
		}
	}
	if cp.PendingInterrupt == nil {
		return cp.State, &core.WorkflowError{
			Op:   "engine.Resume",
			Kind: "workflow",
			ID:   threadID,
			Err:  core.ErrNoPendingInterrupt,
		}
	}
	if value.Decision != DecisionAccept && value.Decision != DecisionReject {
		return cp.State, &core.WorkflowError{
			Op:      "engine.Resume",
			Kind:    "workflow",
			ID:      threadID,
			Message: fmt.Sprintf("decision must be %s or %s", DecisionAccept, DecisionReject),
			Err:     core.ErrInvalidDecision,
		}
	}

	e.logger.Info("Workflow resuming", map[string]interface{}{
		"operation": "resume",
		"thread_id": threadID,
		"node":      cp.NextNode,
		"decision":  value.Decision,
	})

	return e.drive(ctx, cp, &value)
}

// LoadState returns the checkpointed state for a thread.
func (e *Engine) LoadState(ctx context.Context, threadID string) (State, error) {
	cp, err := e.store.Load(ctx, threadID)
	if err != nil {
		return State{}, err
	}
	return cp.State, nil
}

// Threads returns the checkpoints of every known thread. Threads whose
// checkpoints have expired are skipped.
func (e *Engine) Threads(ctx context.Context) ([]*Checkpoint, error) {
	ids, err := e.store.ListThreadIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := e.store.Load(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Recover re-drives threads a previous process left mid-flight: status
// RUNNING with a node still scheduled. Paused threads stay with their
// reviewers and terminal threads are skipped. Returns the number of
// threads re-driven.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	cps, err := e.Threads(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, stale := range cps {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if stale.State.Status != StatusRunning || stale.NextNode == "" || stale.NextNode == StageEnd {
			continue
		}

		lock := e.threadLock(stale.ThreadID)
		lock.Lock()
		cp, err := e.store.Load(ctx, stale.ThreadID)
		if err != nil {
			lock.Unlock()
			if core.IsNotFound(err) {
				continue
			}
			return recovered, err
		}
		if cp.State.Status != StatusRunning || cp.NextNode == "" || cp.NextNode == StageEnd {
			lock.Unlock()
			continue
		}

		e.logger.Info("Recovering in-flight workflow", map[string]interface{}{
			"operation": "recover",
			"thread_id": cp.ThreadID,
			"node":      cp.NextNode,
		})
		// Failures are terminal for the thread, not for the sweep;
		// drive has already evented and checkpointed them.
		_, _ = e.drive(ctx, cp, nil)
		recovered++
		lock.Unlock()
	}
	return recovered, nil
}

// drive executes nodes from cp.NextNode until the graph reaches END,
// a node interrupts, or a node fails. When resume is non-nil the first
// node is re-entered through its Resume path with the human decision.
func (e *Engine) drive(ctx context.Context, cp *Checkpoint, resume *ResumeValue) (State, error) {
	threadID := cp.ThreadID

	for cp.NextNode != "" && cp.NextNode != StageEnd {
		if ctx.Err() != nil {
			// Shutdown or caller cancellation. The last checkpoint still
			// points at the unstarted node, so Recover picks the thread
			// back up on the next start. No workflow_complete: the
			// thread is suspended, not finished.
			e.logger.Info("Workflow halted", map[string]interface{}{
				"operation": "drive",
				"thread_id": threadID,
				"next":      cp.NextNode,
			})
			return cp.State, ctx.Err()
		}

		nodeName := cp.NextNode
		node, ok := e.nodes[nodeName]
		if !ok {
			err := &core.WorkflowError{
				Op:   "engine.drive",
				Kind: "workflow",
				ID:   threadID,
				Message: fmt.Sprintf("graph references unregistered node %q",
					nodeName),
				Err: core.ErrStageNotFound,
			}
			return e.fail(ctx, cp, nodeName, err), err
		}

		spanCtx, span := e.telemetry.StartSpan(ctx, "workflow.stage")
		span.SetAttribute("workflow.thread_id", threadID)
		span.SetAttribute("workflow.stage", nodeName)

		e.bus.Publish(threadID, events.NewStageUpdate(threadID, nodeName, events.StatusStarted, map[string]interface{}{
			"invoice_id": cp.State.InvoicePayload.InvoiceID,
		}))
		started := time.Now()

		var delta *Delta
		var err error
		if resume != nil {
			rn, isResumable := node.(ResumableNode)
			if !isResumable {
				err = &core.WorkflowError{
					Op:      "engine.drive",
					Kind:    "workflow",
					ID:      threadID,
					Message: fmt.Sprintf("node %q does not accept resume input", nodeName),
					Err:     core.ErrNoPendingInterrupt,
				}
			} else {
				delta, err = rn.Resume(spanCtx, cp.State, *resume)
			}
			resume = nil
		} else {
			delta, err = node.Execute(spanCtx, cp.State)
		}

		if err != nil {
			var intr *Interrupt
			if errors.As(err, &intr) {
				state, perr := e.pause(ctx, cp, nodeName, intr)
				span.SetAttribute("workflow.paused", true)
				span.End()
				return state, perr
			}
			if ctx.Err() != nil {
				// The node died with the context. Leave the checkpoint
				// pointing at it so recovery re-runs the node instead of
				// burying the thread as FAILED.
				span.End()
				return cp.State, ctx.Err()
			}
			span.RecordError(err)
			span.End()
			return e.fail(ctx, cp, nodeName, err), err
		}

		cp.State = cp.State.Apply(delta)
		cp.Version++
		cp.PendingInterrupt = nil

		next, rerr := e.route(nodeName, cp.State)
		if rerr != nil {
			span.RecordError(rerr)
			span.End()
			return e.fail(ctx, cp, nodeName, rerr), rerr
		}
		cp.NextNode = next

		if serr := e.store.Save(ctx, cp); serr != nil {
			span.RecordError(serr)
			span.End()
			return e.fail(ctx, cp, nodeName, serr), serr
		}

		e.bus.Publish(threadID, events.NewStageUpdate(threadID, nodeName, events.StatusCompleted, stageEventData(delta)))
		e.telemetry.RecordMetric("workflow.stage.duration_ms",
			float64(time.Since(started).Milliseconds()),
			map[string]string{"stage": nodeName})
		span.End()

		e.logger.Debug("Stage completed", map[string]interface{}{
			"operation": "drive",
			"thread_id": threadID,
			"stage":     nodeName,
			"next":      next,
		})
	}

	return e.complete(ctx, cp), nil
}

// pause persists the interrupt and leaves the thread waiting for a
// human decision. No workflow_complete is published: the thread is
// still live and its event stream stays open.
func (e *Engine) pause(ctx context.Context, cp *Checkpoint, nodeName string, intr *Interrupt) (State, error) {
	threadID := cp.ThreadID

	cp.State = cp.State.Apply(intr.Delta)
	cp.Version++
	cp.NextNode = nodeName
	cp.PendingInterrupt = &PendingInterrupt{
		Node:         nodeName,
		Reason:       intr.Reason,
		Payload:      intr.Payload,
		CheckpointID: cp.State.HITLCheckpointID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.Save(ctx, cp); err != nil {
		return e.fail(ctx, cp, nodeName, err), err
	}

	e.bus.Publish(threadID, events.NewLog(threadID, "info",
		fmt.Sprintf("Workflow paused for human review: %s", intr.Reason),
		nodeName, "hitl", map[string]interface{}{
			"checkpoint_id": cp.State.HITLCheckpointID,
			"review_url":    cp.State.ReviewURL,
		}))

	e.telemetry.RecordMetric("workflow.paused", 1, map[string]string{"stage": nodeName})
	e.logger.Info("Workflow paused", map[string]interface{}{
		"operation":     "pause",
		"thread_id":     threadID,
		"stage":         nodeName,
		"checkpoint_id": cp.State.HITLCheckpointID,
		"reason":        intr.Reason,
	})

	return cp.State, nil
}

// fail marks the thread FAILED, checkpoints the terminal state, and
// publishes the failed stage_update followed by workflow_complete.
func (e *Engine) fail(ctx context.Context, cp *Checkpoint, nodeName string, cause error) State {
	threadID := cp.ThreadID

	if cp.State.Status != StatusFailed {
		cp.State = cp.State.Apply(&Delta{
			CurrentStage: String(nodeName),
			Status:       String(StatusFailed),
			Error:        String(cause.Error()),
			ErrorLog: []ErrorEntry{{
				Stage: nodeName,
				Error: cause.Error(),
			}},
		})
	}
	cp.Version++
	cp.NextNode = StageEnd
	cp.PendingInterrupt = nil
	if serr := e.store.Save(ctx, cp); serr != nil {
		e.logger.Error("Failed to checkpoint terminal state", map[string]interface{}{
			"operation": "fail",
			"thread_id": threadID,
			"error":     serr.Error(),
		})
	}

	e.bus.Publish(threadID, events.NewStageUpdate(threadID, nodeName, events.StatusFailed, map[string]interface{}{
		"error": cause.Error(),
	}))
	e.bus.Publish(threadID, events.NewWorkflowComplete(threadID, StatusFailed, map[string]interface{}{
		"invoice_id": cp.State.InvoicePayload.InvoiceID,
		"stage":      nodeName,
		"error":      cause.Error(),
	}))

	e.telemetry.RecordMetric("workflow.completed", 1, map[string]string{"final_status": StatusFailed})
	e.logger.Error("Workflow failed", map[string]interface{}{
		"operation": "fail",
		"thread_id": threadID,
		"stage":     nodeName,
		"error":     cause.Error(),
	})

	return cp.State
}

// complete publishes the terminal workflow_complete event after the
// graph reaches END through a normal path.
func (e *Engine) complete(ctx context.Context, cp *Checkpoint) State {
	threadID := cp.ThreadID

	data := map[string]interface{}{
		"invoice_id": cp.State.InvoicePayload.InvoiceID,
		"stage":      cp.State.CurrentStage,
	}
	if cp.State.ERPTransactionID != "" {
		data["erp_txn_id"] = cp.State.ERPTransactionID
	}
	e.bus.Publish(threadID, events.NewWorkflowComplete(threadID, cp.State.Status, data))

	e.telemetry.RecordMetric("workflow.completed", 1, map[string]string{"final_status": cp.State.Status})
	e.logger.Info("Workflow finished", map[string]interface{}{
		"operation":    "complete",
		"thread_id":    threadID,
		"final_status": cp.State.Status,
		"stage":        cp.State.CurrentStage,
	})

	return cp.State
}

// route resolves the node to run after from. Branches win over plain
// edges; a node with neither is a graph bug.
func (e *Engine) route(from string, s State) (string, error) {
	if r, ok := e.branches[from]; ok {
		next := r(s)
		if next == "" {
			return "", fmt.Errorf("branch from %q returned no target", from)
		}
		if next != StageEnd {
			if _, ok := e.nodes[next]; !ok {
				return "", fmt.Errorf("branch from %q targets unregistered node %q", from, next)
			}
		}
		return next, nil
	}
	if to, ok := e.edges[from]; ok {
		return to, nil
	}
	return "", fmt.Errorf("node %q has no outgoing edge", from)
}

func (e *Engine) threadLock(threadID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.threads[threadID]
	if !ok {
		lock = &sync.Mutex{}
		e.threads[threadID] = lock
	}
	return lock
}

// stageEventData extracts the notable outputs of a stage delta for the
// completed stage_update. Only fields the stage actually produced are
// included.
func stageEventData(d *Delta) map[string]interface{} {
	data := map[string]interface{}{}
	if d == nil {
		return data
	}
	if d.RawID != nil {
		data["raw_id"] = *d.RawID
	}
	if d.Validated != nil {
		data["validated"] = *d.Validated
	}
	if d.ParsedInvoice != nil {
		data["line_items_parsed"] = len(d.ParsedInvoice.ParsedLineItems)
		data["pos_detected"] = len(d.ParsedInvoice.DetectedPOs)
	}
	if d.VendorProfile != nil {
		data["vendor"] = d.VendorProfile.NormalizedName
	}
	if d.MatchedPOs != nil {
		data["pos_fetched"] = len(d.MatchedPOs)
	}
	if d.MatchedGRNs != nil {
		data["grns_fetched"] = len(d.MatchedGRNs)
	}
	if d.MatchScore != nil {
		data["match_score"] = *d.MatchScore
	}
	if d.MatchResult != nil {
		data["match_result"] = *d.MatchResult
	}
	if d.HITLCheckpointID != nil {
		data["checkpoint_id"] = *d.HITLCheckpointID
	}
	if d.HumanDecision != nil {
		data["decision"] = *d.HumanDecision
	}
	if len(d.AccountingEntries) > 0 {
		data["entries_count"] = len(d.AccountingEntries)
	}
	if d.ApprovalStatus != nil {
		data["approval_status"] = *d.ApprovalStatus
	}
	if d.ApproverID != nil {
		data["approver_id"] = *d.ApproverID
	}
	if d.ERPTransactionID != nil {
		data["erp_txn_id"] = *d.ERPTransactionID
	}
	if d.ScheduledPaymentID != nil {
		data["scheduled_payment_id"] = *d.ScheduledPaymentID
	}
	if d.NotifiedParties != nil {
		data["notified_parties"] = d.NotifiedParties
	}
	if d.Status != nil {
		data["status"] = *d.Status
	}
	return data
}

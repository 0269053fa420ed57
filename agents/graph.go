package agents

import (
	"fmt"

	"github.com/itsneelabh/invoiceflow/workflow"
)

// BuildEngine assembles the invoice processing graph:
//
//	START -> INTAKE -> UNDERSTAND -> PREPARE -> RETRIEVE -> MATCH_TWO_WAY
//	  MATCH_TWO_WAY -(score below threshold or FAILED)-> CHECKPOINT_HITL -> HITL_DECISION
//	  MATCH_TWO_WAY -(otherwise)-> RECONCILE
//	  HITL_DECISION -(ACCEPT)-> RECONCILE
//	  HITL_DECISION -(otherwise)-> MANUAL_HANDOFF -> END
//	  RECONCILE -> APPROVE -> POSTING -> NOTIFY -> COMPLETE -> END
func BuildEngine(store workflow.CheckpointStore, deps Deps) (*workflow.Engine, error) {
	deps = deps.withDefaults()

	opts := []workflow.EngineOption{workflow.WithEngineLogger(deps.Logger)}
	if deps.Telemetry != nil {
		opts = append(opts, workflow.WithEngineTelemetry(deps.Telemetry))
	}
	engine := workflow.NewEngine(store, deps.Bus, opts...)

	nodes := []workflow.Node{
		NewIntakeAgent(deps),
		NewUnderstandAgent(deps),
		NewPrepareAgent(deps),
		NewRetrieveAgent(deps),
		NewMatcherAgent(deps),
		NewCheckpointAgent(deps),
		NewHumanReviewAgent(deps),
		NewReconcileAgent(deps),
		NewApprovalAgent(deps),
		NewPostingAgent(deps),
		NewNotifyAgent(deps),
		NewCompleteAgent(deps),
		NewManualHandoffAgent(deps),
	}
	for _, n := range nodes {
		if err := engine.AddNode(n); err != nil {
			return nil, fmt.Errorf("adding node %s: %w", n.Name(), err)
		}
	}

	engine.SetEntry(workflow.StageIntake)
	engine.AddEdge(workflow.StageIntake, workflow.StageUnderstand)
	engine.AddEdge(workflow.StageUnderstand, workflow.StagePrepare)
	engine.AddEdge(workflow.StagePrepare, workflow.StageRetrieve)
	engine.AddEdge(workflow.StageRetrieve, workflow.StageMatchTwoWay)
	engine.AddBranch(workflow.StageMatchTwoWay, shouldCheckpoint(deps.Config.Workflow.MatchThreshold))
	engine.AddEdge(workflow.StageCheckpointHITL, workflow.StageHITLDecision)
	engine.AddBranch(workflow.StageHITLDecision, afterHITLDecision)
	engine.AddEdge(workflow.StageReconcile, workflow.StageApprove)
	engine.AddEdge(workflow.StageApprove, workflow.StagePosting)
	engine.AddEdge(workflow.StagePosting, workflow.StageNotify)
	engine.AddEdge(workflow.StageNotify, workflow.StageComplete)
	engine.AddEdge(workflow.StageComplete, workflow.StageEnd)
	engine.AddEdge(workflow.StageManualHandoff, workflow.StageEnd)

	if err := engine.Validate(); err != nil {
		return nil, err
	}
	return engine, nil
}

// shouldCheckpoint routes a scored invoice to human review when the
// match failed outright or landed below threshold.
func shouldCheckpoint(threshold float64) workflow.Router {
	return func(s workflow.State) string {
		if s.MatchResult == workflow.MatchResultFailed || s.MatchScore < threshold {
			return workflow.StageCheckpointHITL
		}
		return workflow.StageReconcile
	}
}

// afterHITLDecision routes accepted invoices back into settlement and
// everything else to manual handling.
func afterHITLDecision(s workflow.State) string {
	if s.HumanDecision == workflow.DecisionAccept {
		return workflow.StageReconcile
	}
	return workflow.StageManualHandoff
}

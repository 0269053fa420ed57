package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/itsneelabh/invoiceflow/core"
	"github.com/itsneelabh/invoiceflow/events"
	"github.com/itsneelabh/invoiceflow/hitl"
	"github.com/itsneelabh/invoiceflow/workflow"
)

// statusResumed is the decision response status for an accepted
// invoice whose workflow has been scheduled to continue.
const statusResumed = "RESUMED"

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload workflow.InvoicePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := payload.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	threadID := workflow.NewThreadID()
	s.register(threadID, payload.InvoiceID)

	s.bus.Publish(threadID, events.NewLog(threadID, "info",
		fmt.Sprintf("Invoice %s accepted for processing", payload.InvoiceID),
		workflow.StageIntake, "info", map[string]interface{}{
			"invoice_id": payload.InvoiceID,
		}))

	s.logger.Info("Invoice submitted", map[string]interface{}{
		"operation":  "submit",
		"thread_id":  threadID,
		"invoice_id": payload.InvoiceID,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.engine.Run(s.baseCtx, threadID, payload); err != nil && s.baseCtx.Err() == nil {
			s.logger.Error("Workflow run failed", map[string]interface{}{
				"operation": "submit",
				"thread_id": threadID,
				"error":     err.Error(),
			})
		}
	}()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":     threadID,
		"status":        workflow.StatusRunning,
		"current_stage": workflow.StageIntake,
		"message":       fmt.Sprintf("Invoice processing in progress. Current stage: %s", workflow.StageIntake),
	})
}

func (s *Server) handleInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	state, err := s.engine.LoadState(r.Context(), threadID)
	if err != nil {
		if core.IsNotFound(err) {
			if info, ok := s.submitted(threadID); ok {
				// Accepted, first checkpoint not persisted yet.
				s.writeJSON(w, http.StatusOK, map[string]interface{}{
					"thread_id":          threadID,
					"invoice_id":         info.invoiceID,
					"status":             workflow.StatusRunning,
					"current_stage":      workflow.StageIntake,
					"match_score":        0.0,
					"match_result":       "",
					"checkpoint_id":      "",
					"review_url":         "",
					"erp_txn_id":         "",
					"final_payload":      nil,
					"audit_log":          []workflow.AuditEntry{},
					"bigtool_selections": map[string]workflow.ToolSelection{},
				})
				return
			}
			s.writeError(w, http.StatusNotFound, "Thread not found: "+threadID)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":          state.ThreadID,
		"invoice_id":         state.InvoicePayload.InvoiceID,
		"status":             state.Status,
		"current_stage":      state.CurrentStage,
		"match_score":        state.MatchScore,
		"match_result":       state.MatchResult,
		"checkpoint_id":      state.HITLCheckpointID,
		"review_url":         state.ReviewURL,
		"erp_txn_id":         state.ERPTransactionID,
		"final_payload":      state.FinalPayload,
		"audit_log":          state.AuditLog,
		"bigtool_selections": state.BigtoolSelections,
	})
}

func (s *Server) handlePendingReviews(w http.ResponseWriter, r *http.Request) {
	recs, err := s.reviews.ListPending(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []*hitl.ReviewRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": recs,
		"total": len(recs),
	})
}

func (s *Server) handleReviewDetail(w http.ResponseWriter, r *http.Request) {
	checkpointID := r.PathValue("checkpoint_id")

	rec, err := s.reviews.Get(r.Context(), checkpointID)
	if err != nil {
		if core.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Checkpoint not found: "+checkpointID)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail := map[string]interface{}{
		"checkpoint_id":   rec.CheckpointID,
		"thread_id":       rec.ThreadID,
		"invoice_id":      rec.InvoiceID,
		"vendor_name":     rec.VendorName,
		"amount":          rec.Amount,
		"currency":        rec.Currency,
		"match_score":     rec.MatchScore,
		"match_result":    rec.MatchResult,
		"match_evidence":  rec.MatchEvidence,
		"reason_for_hold": rec.ReasonForHold,
		"status":          rec.Status,
		"created_at":      rec.CreatedAt.UTC().Format(time.RFC3339),
	}

	// Enrich with workflow context so reviewers see what the matcher
	// saw. A missing thread leaves the record fields alone.
	if state, serr := s.engine.LoadState(r.Context(), rec.ThreadID); serr == nil {
		detail["vendor_profile"] = state.VendorProfile
		detail["matched_pos"] = state.MatchedPOs
		detail["matched_grns"] = state.MatchedGRNs
		detail["parsed_invoice"] = state.ParsedInvoice
	}

	s.writeJSON(w, http.StatusOK, detail)
}

type decisionRequest struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id"`
	Decision     string `json:"decision"`
	ReviewerID   string `json:"reviewer_id"`
	Notes        string `json:"notes,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ThreadID == "" || req.CheckpointID == "" || req.ReviewerID == "" {
		s.writeError(w, http.StatusBadRequest, "thread_id, checkpoint_id, and reviewer_id are required")
		return
	}
	if !hitl.ValidDecision(req.Decision) {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("decision must be %s or %s", workflow.DecisionAccept, workflow.DecisionReject))
		return
	}

	rec, err := s.reviews.Get(r.Context(), req.CheckpointID)
	if err != nil {
		if core.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Checkpoint not found: "+req.CheckpointID)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec.ThreadID != req.ThreadID {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Checkpoint %s does not belong to thread %s", req.CheckpointID, req.ThreadID))
		return
	}
	if rec.Status == hitl.StatusReviewed {
		// Duplicate submission. The first decision stands and the
		// workflow was already resumed, so just replay the outcome.
		s.writeJSON(w, http.StatusOK, decisionResponse(req.ThreadID, req.CheckpointID, rec.Decision, true))
		return
	}

	state, err := s.engine.LoadState(r.Context(), req.ThreadID)
	if err != nil {
		if core.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Thread not found: "+req.ThreadID)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state.Status != workflow.StatusPaused {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("Workflow %s is not paused for review (status: %s)", req.ThreadID, state.Status))
		return
	}

	rec, err = s.reviews.Resolve(r.Context(), req.CheckpointID, hitl.Resolution{
		Decision:      req.Decision,
		ReviewerID:    req.ReviewerID,
		ReviewerNotes: req.Notes,
	})
	if err != nil {
		if core.IsConflict(err) {
			// Lost a race with another reviewer; their decision stands.
			if cur, gerr := s.reviews.Get(r.Context(), req.CheckpointID); gerr == nil {
				s.writeJSON(w, http.StatusOK, decisionResponse(req.ThreadID, req.CheckpointID, cur.Decision, true))
				return
			}
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("Review decision recorded", map[string]interface{}{
		"operation":     "decision",
		"thread_id":     req.ThreadID,
		"checkpoint_id": req.CheckpointID,
		"decision":      rec.Decision,
		"reviewer_id":   rec.ReviewerID,
	})

	value := workflow.ResumeValue{
		Decision:   req.Decision,
		ReviewerID: req.ReviewerID,
		Notes:      req.Notes,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.engine.Resume(s.baseCtx, req.ThreadID, value); err != nil && s.baseCtx.Err() == nil {
			s.logger.Error("Workflow resume failed", map[string]interface{}{
				"operation": "decision",
				"thread_id": req.ThreadID,
				"error":     err.Error(),
			})
		}
	}()

	s.writeJSON(w, http.StatusOK, decisionResponse(req.ThreadID, req.CheckpointID, req.Decision, false))
}

// decisionResponse builds the decision endpoint's response body. For a
// replayed (already reviewed) checkpoint the recorded decision is
// echoed and no resume is scheduled.
func decisionResponse(threadID, checkpointID, decision string, replay bool) map[string]interface{} {
	nextStage := workflow.StageReconcile
	status := statusResumed
	message := "Invoice accepted. Workflow resumed and continuing to completion."
	if decision == workflow.DecisionReject {
		nextStage = workflow.StageManualHandoff
		status = workflow.StatusRequiresManualHandling
		message = "Invoice rejected. Requires manual handling."
	}
	if replay {
		message = fmt.Sprintf("Decision %s already recorded for this checkpoint.", decision)
	}
	return map[string]interface{}{
		"success":       true,
		"thread_id":     threadID,
		"checkpoint_id": checkpointID,
		"decision":      decision,
		"next_stage":    nextStage,
		"status":        status,
		"message":       message,
	}
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, workflow.Stages())
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	state, err := s.engine.LoadState(r.Context(), threadID)
	if err != nil {
		if core.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "Workflow not found: "+threadID)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	completed, pending := stageProgress(state)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":             state.ThreadID,
		"invoice_id":            state.InvoicePayload.InvoiceID,
		"status":                state.Status,
		"current_stage":         state.CurrentStage,
		"stages_completed":      completed,
		"stages_pending":        pending,
		"requires_human_review": state.Status == workflow.StatusPaused && state.HITLCheckpointID != "",
		"checkpoint_id":         state.HITLCheckpointID,
		"review_url":            state.ReviewURL,
		"match_score":           state.MatchScore,
		"match_result":          state.MatchResult,
		"erp_txn_id":            state.ERPTransactionID,
		"final_payload":         state.FinalPayload,
		"bigtool_selections":    state.BigtoolSelections,
		"audit_log":             state.AuditLog,
	})
}

// stageProgress splits the stage catalog around the thread's current
// stage. The current stage counts as completed only once the workflow
// itself has completed.
func stageProgress(state workflow.State) (completed, pending []string) {
	completed = []string{}
	pending = []string{}
	past := true
	for _, info := range workflow.Stages() {
		switch {
		case info.ID == state.CurrentStage:
			past = false
			if state.Status == workflow.StatusCompleted {
				completed = append(completed, info.ID)
			} else {
				pending = append(pending, info.ID)
			}
		case past:
			completed = append(completed, info.ID)
		default:
			pending = append(pending, info.ID)
		}
	}
	return completed, pending
}

func (s *Server) handleAllWorkflows(w http.ResponseWriter, r *http.Request) {
	cps, err := s.engine.Threads(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	workflows := make([]map[string]interface{}, 0, len(cps))
	checkpointed := make(map[string]bool, len(cps))
	for _, cp := range cps {
		checkpointed[cp.ThreadID] = true
		workflows = append(workflows, map[string]interface{}{
			"thread_id":     cp.ThreadID,
			"invoice_id":    cp.State.InvoicePayload.InvoiceID,
			"status":        cp.State.Status,
			"current_stage": cp.State.CurrentStage,
			"created_at":    cp.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	// Submissions whose first checkpoint has not landed yet.
	s.mu.Lock()
	for threadID, info := range s.runs {
		if checkpointed[threadID] {
			continue
		}
		workflows = append(workflows, map[string]interface{}{
			"thread_id":     threadID,
			"invoice_id":    info.invoiceID,
			"status":        workflow.StatusRunning,
			"current_stage": workflow.StageIntake,
			"created_at":    info.createdAt.Format(time.RFC3339),
		})
	}
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Probe the checkpoint store; not-found means reachable.
	database := "connected"
	if _, err := s.engine.LoadState(r.Context(), "health-probe"); err != nil && !core.IsNotFound(err) {
		database = "unavailable"
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   s.config.Name,
		"version":   Version,
		"database":  database,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleEventsHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "sse_events",
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    s.config.Name,
		"version": Version,
		"health":  "/health",
	})
}

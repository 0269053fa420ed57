package workflow

import "context"

// Node is one executable stage of the graph. Execute receives a
// read-only snapshot of the thread state and returns a delta; it must
// not mutate the snapshot. Returning an *Interrupt error pauses the
// workflow at this node.
type Node interface {
	Name() string
	Execute(ctx context.Context, state State) (*Delta, error)
}

// ResumableNode is a node that can re-enter after an interrupt with
// the value supplied by the outside world.
type ResumableNode interface {
	Node
	Resume(ctx context.Context, state State, value ResumeValue) (*Delta, error)
}

// ResumeValue carries a human review decision back into a paused
// workflow.
type ResumeValue struct {
	Decision   string `json:"decision"`
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes,omitempty"`
}

// Interrupt signals that a node needs external input before the
// workflow can continue. The engine checkpoints the state (with the
// delta applied) and stops until Resume is called for the thread.
// Payload is surfaced to clients so they know what is being asked.
type Interrupt struct {
	// Delta to fold into the state before checkpointing, typically
	// the paused status and checkpoint references.
	Delta *Delta
	// Reason is a short human-readable explanation for the pause.
	Reason string
	// Payload describes the pending request, e.g. the review prompt.
	Payload map[string]interface{}
}

func (i *Interrupt) Error() string {
	if i.Reason != "" {
		return "workflow interrupted: " + i.Reason
	}
	return "workflow interrupted"
}

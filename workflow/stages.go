package workflow

// Stage identifiers. Stage names double as graph node names.
const (
	StageStart          = "START"
	StageIntake         = "INTAKE"
	StageUnderstand     = "UNDERSTAND"
	StagePrepare        = "PREPARE"
	StageRetrieve       = "RETRIEVE"
	StageMatchTwoWay    = "MATCH_TWO_WAY"
	StageCheckpointHITL = "CHECKPOINT_HITL"
	StageHITLDecision   = "HITL_DECISION"
	StageReconcile      = "RECONCILE"
	StageApprove        = "APPROVE"
	StagePosting        = "POSTING"
	StageNotify         = "NOTIFY"
	StageComplete       = "COMPLETE"
	StageManualHandoff  = "MANUAL_HANDOFF"
	StageEnd            = "END"
)

// Stage execution modes.
const (
	ModeDeterministic    = "deterministic"
	ModeNonDeterministic = "non-deterministic"
)

// StageInfo describes one stage for the stage catalog endpoint.
type StageInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mode string `json:"mode"`
}

// Stages is the ordered stage catalog exposed to clients. It follows
// the happy path through the graph; MANUAL_HANDOFF is a terminal
// branch and is not listed.
func Stages() []StageInfo {
	return []StageInfo{
		{ID: StageIntake, Name: "Accept Invoice", Mode: ModeDeterministic},
		{ID: StageUnderstand, Name: "OCR & Parse", Mode: ModeDeterministic},
		{ID: StagePrepare, Name: "Normalize & Enrich", Mode: ModeDeterministic},
		{ID: StageRetrieve, Name: "Fetch ERP Data", Mode: ModeDeterministic},
		{ID: StageMatchTwoWay, Name: "Two-Way Match", Mode: ModeDeterministic},
		{ID: StageCheckpointHITL, Name: "Checkpoint", Mode: ModeDeterministic},
		{ID: StageHITLDecision, Name: "Human Decision", Mode: ModeNonDeterministic},
		{ID: StageReconcile, Name: "Build Entries", Mode: ModeDeterministic},
		{ID: StageApprove, Name: "Approval", Mode: ModeDeterministic},
		{ID: StagePosting, Name: "Post to ERP", Mode: ModeDeterministic},
		{ID: StageNotify, Name: "Notifications", Mode: ModeDeterministic},
		{ID: StageComplete, Name: "Complete", Mode: ModeDeterministic},
	}
}

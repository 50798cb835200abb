package dag

// StageState is the runtime state of a stage within one execution.
//
// PENDING -> RUNNING -> COMPLETED | FAILED
// PENDING -> UP_TO_DATE | SKIPPED | FAILED (probe failure)
type StageState string

const (
	StagePending   StageState = "PENDING"
	StageRunning   StageState = "RUNNING"
	StageCompleted StageState = "COMPLETED"
	StageFailed    StageState = "FAILED"
	StageSkipped   StageState = "SKIPPED"
	StageUpToDate  StageState = "UP_TO_DATE"
)

// ExecutionState maps stage name to its current StageState.
//
// It is a plain map so the scheduler can remain a pure function.
type ExecutionState map[string]StageState

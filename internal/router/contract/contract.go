// Package contract defines the wire types shared by the pipeline driver,
// the module client, and the run store: module role schemas, the per-turn
// checkpoint, pipeline events, and the persisted turn trace.
package contract

// Role identifies a module service the router invokes.
type Role string

const (
	RoleIntentExtractor  Role = "intent_extractor"
	RoleLoremaster       Role = "loremaster"
	RoleDefaultSimulator Role = "default_simulator"
	RoleArbiter          Role = "arbiter"
	RoleProser           Role = "proser"
)

// Stage identifies one step of the fixed turn pipeline.
type Stage string

const (
	StageIntentExtractor    Stage = "intent_extractor"
	StageLoremasterRetrieve Stage = "loremaster_retrieve"
	StageLoremasterPre      Stage = "loremaster_pre"
	StageDefaultSimulator   Stage = "default_simulator"
	StageLoremasterPost     Stage = "loremaster_post"
	StageArbiter            Stage = "arbiter"
	StageProser             Stage = "proser"
	StageWorldStateUpdate   Stage = "world_state_update"
)

// StageFrontendInput labels the synthetic pipeline event recorded when a
// turn starts, before any module runs.
const StageFrontendInput Stage = "frontend_input"

// Stages is the fixed execution order of a turn. The list is final; the
// refusal gate skips members but never reorders them.
var Stages = [8]Stage{
	StageIntentExtractor,
	StageLoremasterRetrieve,
	StageLoremasterPre,
	StageDefaultSimulator,
	StageLoremasterPost,
	StageArbiter,
	StageProser,
	StageWorldStateUpdate,
}

// RefusalSkippedStages are the stages bypassed when a refusal reason is set.
// world_state_update still runs to synthesize the refusal diff.
var RefusalSkippedStages = map[Stage]bool{
	StageDefaultSimulator: true,
	StageLoremasterPost:   true,
	StageArbiter:          true,
	StageProser:           true,
}

// RoleForStage returns the module role a stage invokes. world_state_update
// is internal and has no role.
func RoleForStage(stage Stage) (Role, bool) {
	switch stage {
	case StageIntentExtractor:
		return RoleIntentExtractor, true
	case StageLoremasterRetrieve, StageLoremasterPre, StageLoremasterPost:
		return RoleLoremaster, true
	case StageDefaultSimulator:
		return RoleDefaultSimulator, true
	case StageArbiter:
		return RoleArbiter, true
	case StageProser:
		return RoleProser, true
	default:
		return "", false
	}
}

// RunContext carries per-turn request identity into every module call.
type RunContext struct {
	RequestID     string `json:"requestId"`
	RunID         string `json:"runId"`
	GameProjectID string `json:"gameProjectId"`
	Turn          int    `json:"turn"`
	PlayerID      string `json:"playerId"`
	PlayerInput   string `json:"playerInput"`
}

// EventType identifies a persisted run event.
type EventType string

const (
	EventPlayerInput   EventType = "player_input"
	EventModuleTrace   EventType = "module_trace"
	EventCommittedDiff EventType = "committed_diff"
)

// PipelineStatus is the terminal status of one pipeline event.
type PipelineStatus string

const (
	PipelineStatusOK      PipelineStatus = "ok"
	PipelineStatusError   PipelineStatus = "error"
	PipelineStatusSkipped PipelineStatus = "skipped"
)

// ExecutionMode distinguishes single-call turns from stepped ones.
type ExecutionMode string

const (
	ModeNormal ExecutionMode = "normal"
	ModeStep   ExecutionMode = "step"
)

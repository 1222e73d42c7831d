package pipeline

// State is the position of a run handle in the pipeline.
type State string

const (
	// StateConfigured indicates the handle was built and accepts parameter overrides.
	StateConfigured State = "configured"
	// StatePrepared indicates setup ran and the effective configuration was exported.
	StatePrepared State = "prepared"
	// StateSimplified indicates the flowline network was simplified.
	StateSimplified State = "simplified"
	// StateMeshed indicates the mesh was generated.
	StateMeshed State = "meshed"
	// StateTopologyBuilt indicates the drainage topology was reconstructed.
	StateTopologyBuilt State = "topology_built"
	// StateExported indicates results were exported. Terminal.
	StateExported State = "exported"
	// StateFailed indicates a stage failed. Terminal.
	StateFailed State = "failed"
)

func (s State) String() string {
	return string(s)
}

// IsValid returns true if s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateConfigured, StatePrepared, StateSimplified, StateMeshed,
		StateTopologyBuilt, StateExported, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateExported || s == StateFailed
}

// CanTransitionTo returns true if the handle may move from s to target.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateConfigured:
		return target == StatePrepared || target == StateFailed
	case StatePrepared:
		return target == StateSimplified || target == StateFailed
	case StateSimplified:
		return target == StateMeshed || target == StateFailed
	case StateMeshed:
		return target == StateTopologyBuilt || target == StateFailed
	case StateTopologyBuilt:
		return target == StateExported || target == StateFailed
	case StateExported, StateFailed:
		return false
	default:
		return false
	}
}

// Stage is one step of the external pipeline.
type Stage string

const (
	StageSetup                  Stage = "setup"
	StageFlowlineSimplification Stage = "flowline_simplification"
	StageMeshGeneration         Stage = "mesh_generation"
	StageReconstructTopology    Stage = "reconstruct_topology"
	StageExport                 Stage = "export"
)

// Stages lists the stages in execution order.
var Stages = []Stage{
	StageSetup,
	StageFlowlineSimplification,
	StageMeshGeneration,
	StageReconstructTopology,
	StageExport,
}

func (s Stage) String() string {
	return string(s)
}

// Target returns the state a handle reaches when s succeeds.
func (s Stage) Target() State {
	switch s {
	case StageSetup:
		return StatePrepared
	case StageFlowlineSimplification:
		return StateSimplified
	case StageMeshGeneration:
		return StateMeshed
	case StageReconstructTopology:
		return StateTopologyBuilt
	case StageExport:
		return StateExported
	default:
		return ""
	}
}

package sync

import "fmt"

// Phase is the orchestrator's position in the startup and idle cycle.
type Phase int

const (
	PhaseBootstrapping Phase = iota
	PhaseCloudPull
	PhaseMigrating
	PhaseSeeding
	PhaseReconciled
	PhaseIdle
)

func (p Phase) String() string {
	switch p {
	case PhaseBootstrapping:
		return "Bootstrapping"
	case PhaseCloudPull:
		return "CloudPull"
	case PhaseMigrating:
		return "Migrating"
	case PhaseSeeding:
		return "Seeding"
	case PhaseReconciled:
		return "Reconciled"
	case PhaseIdle:
		return "Idle"
	default:
		return "InvalidPhase"
	}
}

func (p Phase) validateTransitionTo(next Phase) error {
	switch p {
	case PhaseBootstrapping:
		if next == PhaseCloudPull {
			return nil
		}
	case PhaseCloudPull:
		switch next {
		// Reconciled directly when an idle remote notification re-pulls.
		case PhaseMigrating, PhaseReconciled:
			return nil
		}
	case PhaseMigrating:
		switch next {
		case PhaseSeeding, PhaseReconciled:
			return nil
		}
	case PhaseSeeding:
		if next == PhaseReconciled {
			return nil
		}
	case PhaseReconciled:
		if next == PhaseIdle {
			return nil
		}
	case PhaseIdle:
		switch next {
		case PhaseCloudPull, PhaseReconciled:
			return nil
		}
	}

	return fmt.Errorf("invalid phase transition from %v to %v", p, next)
}

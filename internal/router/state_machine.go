package router

// runPhase tracks where the router is in one run's execution.
type runPhase string

const (
	phaseInit         runPhase = "init"
	phaseStarted      runPhase = "started"
	phasePlanDeclared runPhase = "plan_declared"
	phaseExecuting    runPhase = "executing_steps"
	phaseProvenance   runPhase = "provenance"
	phaseTerminal     runPhase = "terminal"
)

var allowedTransitions = map[runPhase]map[runPhase]struct{}{
	phaseInit: {
		phaseStarted: {},
	},
	phaseStarted: {
		phasePlanDeclared: {},
	},
	phasePlanDeclared: {
		phaseExecuting: {},
		// Policy denial terminates before any step executes.
		phaseTerminal: {},
	},
	phaseExecuting: {
		phaseExecuting:  {},
		phaseProvenance: {},
		// An adapter bug terminates mid-plan.
		phaseTerminal: {},
	},
	phaseProvenance: {
		phaseTerminal: {},
	},
}

// canTransition reports whether a phase move is valid.
func canTransition(from, to runPhase) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

package domain

// FastPlanner produces an instant legal action for a snapshot. It is called
// on every tick and must not block. ok is false when the planner has no
// opinion; the caller then substitutes a safe default.
type FastPlanner interface {
	ProposeAction(snap WorldSnapshot) (step ActionStep, ok bool)
}

// FastPlannerFunc adapts a function to FastPlanner.
type FastPlannerFunc func(snap WorldSnapshot) (ActionStep, bool)

// ProposeAction implements FastPlanner.
func (f FastPlannerFunc) ProposeAction(snap WorldSnapshot) (ActionStep, bool) { return f(snap) }

// AgentID identifies one agent in a batched planning request.
type AgentID uint32

// AgentSnapshot pairs an agent with its perceived world.
type AgentSnapshot struct {
	ID       AgentID       `json:"agent_id"`
	Snapshot WorldSnapshot `json:"snapshot"`
}

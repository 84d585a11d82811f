package runtime

import "context"

// Driver produces an agent's raw LLM stream. The runtime starts one driver
// goroutine per agent; the driver takes turn requests from
// Agent.TurnRequests, pushes stream fragments through Agent.Feed, whose
// bounded buffer provides backpressure, and must return when ctx is
// cancelled. Turn requests raised before the driver goroutine is scheduled
// wait in the agent's buffer.
//
// The vendor adapter implementing this lives outside this module.
type Driver interface {
	Run(ctx context.Context, agent *Agent) error
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, agent *Agent) error

// Run implements Driver.
func (f DriverFunc) Run(ctx context.Context, agent *Agent) error {
	return f(ctx, agent)
}

package models

// RouteStrategy is the handling the router prescribes for a step.
type RouteStrategy string

// Routing strategies
const (
	RouteDirect               RouteStrategy = "direct"
	RouteEnsemble             RouteStrategy = "ensemble"
	RouteDecompose            RouteStrategy = "decompose"
	RouteRequestClarification RouteStrategy = "request_clarification"
	RouteGatherContext        RouteStrategy = "gather_context"
)

// RoutingDecision is the router's verdict for one step.
type RoutingDecision struct {
	Resource   string // Tool or capability the decision applies to
	Strategy   RouteStrategy
	Confidence float64
	Complexity float64
	Reason     string
}

// NeedsHuman reports whether the strategy asks for more input before running.
func (d RoutingDecision) NeedsHuman() bool {
	return d.Strategy == RouteRequestClarification || d.Strategy == RouteGatherContext
}

package model

// Route selects the domain agent that handles a request.
type Route string

const (
	RouteGeneral    Route = "general"
	RouteRanking    Route = "ranking"
	RouteReasoning  Route = "reasoning"
	RoutePrediction Route = "prediction"
)

// Routes lists every route in a stable order.
var Routes = []Route{RouteGeneral, RouteRanking, RouteReasoning, RoutePrediction}

func (r Route) String() string {
	return string(r)
}

// Valid reports whether r is one of the known routes.
func (r Route) Valid() bool {
	switch r {
	case RouteGeneral, RouteRanking, RouteReasoning, RoutePrediction:
		return true
	}
	return false
}

// ConversationState is the per-invocation record carried through the graph.
// Nodes run strictly one after another, so each node owns the state while it runs.
type ConversationState struct {
	SessionID       string
	Input           string
	History         []Turn // most recent first, as returned by the store
	ContextSummary  string
	GeneralOverride bool
	Route           Route

	// Output is the domain agent's answer until the final node replaces it.
	Output string
	// Source names the node that failed, empty on success.
	Source string
	Failed bool

	CostUSD float64
}

// RunState stores per-invocation bookkeeping registered as graph local state.
// It is only touched from inside compose.ProcessState.
type RunState struct {
	SessionID    string
	TotalCostUSD float64
	Steps        map[string]int
}

// QueryInput represents the input for processing user queries.
type QueryInput struct {
	SessionID       string `json:"session_id"`
	Query           string `json:"query"`
	History         []Turn `json:"-"`
	GeneralOverride bool   `json:"general_agent_check"`
}

// Reply is what the runner hands back to the transport layer.
type Reply struct {
	Text    string
	Route   Route
	Failed  bool
	CostUSD float64
}

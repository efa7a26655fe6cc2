package model

// ToolRecord is one executed tool call inside an agent run. Records only live
// in the agent transcript and logs; they are never persisted.
type ToolRecord struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	Err       string `json:"error,omitempty"`
}

// Failed reports whether the tool produced an error observation.
func (r ToolRecord) Failed() bool {
	return r.Err != ""
}

package model

// Alert describes a failure worth reporting out of band.
type Alert struct {
	Source    string // e.g. "reasoning_agent", "final_agent", "chat_endpoint"
	Err       error
	SessionID string
	Input     string
	Details   map[string]string
}

// Alerter delivers alerts asynchronously. Notify must not block the caller.
type Alerter interface {
	Notify(a Alert)
}

// NopAlerter discards every alert.
type NopAlerter struct{}

func (NopAlerter) Notify(Alert) {}

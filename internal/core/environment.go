package core

import "strings"

const (
	// ServiceName identifies this backend in logs, traces and the health payload.
	ServiceName = "capmap-backend"
	// Version is reported by /health.
	Version = "2.1.13"
)

// Environment is the deployment stage, read from APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func (e Environment) String() string {
	return string(e)
}

// IsProduction switches logging to JSON at info level.
func (e Environment) IsProduction() bool {
	return e == Production
}

// ParseEnvironment accepts the full names and the usual short forms
// (prod, stage, test, dev). Anything else is Development.
func ParseEnvironment(v string) Environment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "production", "prod":
		return Production
	case "staging", "stage":
		return Staging
	case "testing", "test":
		return Testing
	default:
		return Development
	}
}

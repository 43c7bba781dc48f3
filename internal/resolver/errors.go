package resolver

import "fmt"

// ConfigurationError reports that a resolution was requested before any
// resolver was registered.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// ResolutionError reports that every registered resolver declined a script.
type ResolutionError struct {
	ScriptID string
	CallerID string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no resolver resolved %s", e.ScriptID)
}

// Package locator describes where the bytes of a script come from.
//
// Resolvers produce a Raw result; Normalize turns it into the Locator that is
// cached and handed to whatever loads the script. Builder holds the URL
// helpers resolvers use to fill Raw.URL.
package locator

import (
	"encoding/json"
	"time"
)

const (
	DefaultMethod  = "GET"
	DefaultTimeout = 30 * time.Second
)

// Raw is the result a resolver returns for a script it handles.
type Raw struct {
	URL      string
	Query    *Query
	Headers  map[string]string
	Method   string
	Body     string
	Timeout  time.Duration
	Absolute bool
	// NoCache keeps this resolution out of the resolution cache; the
	// resulting locator is always marked for fetching.
	NoCache bool
}

// Locator is the normalized form returned to callers and persisted.
type Locator struct {
	URL string
	// Fetch reports whether the consumer has to retrieve the bytes again.
	Fetch    bool
	Absolute bool
	Method   string
	Timeout  time.Duration
	Query    string
	Headers  map[string]string
	Body     string
}

type locatorJSON struct {
	URL      string            `json:"url"`
	Fetch    bool              `json:"fetch"`
	Absolute bool              `json:"absolute"`
	Method   string            `json:"method"`
	Timeout  int64             `json:"timeout"`
	Query    string            `json:"query,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body,omitempty"`
}

// MarshalJSON encodes the timeout in milliseconds.
func (l Locator) MarshalJSON() ([]byte, error) {
	return json.Marshal(locatorJSON{
		URL:      l.URL,
		Fetch:    l.Fetch,
		Absolute: l.Absolute,
		Method:   l.Method,
		Timeout:  l.Timeout.Milliseconds(),
		Query:    l.Query,
		Headers:  l.Headers,
		Body:     l.Body,
	})
}

func (l *Locator) UnmarshalJSON(raw []byte) error {
	var in locatorJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	*l = Locator{
		URL:      in.URL,
		Fetch:    in.Fetch,
		Absolute: in.Absolute,
		Method:   in.Method,
		Timeout:  time.Duration(in.Timeout) * time.Millisecond,
		Query:    in.Query,
		Headers:  in.Headers,
		Body:     in.Body,
	}
	return nil
}

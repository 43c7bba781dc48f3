package locator

// Normalize fills in defaults and serializes the query. The returned locator
// is marked for fetching; the cache decides whether that still holds. The
// second result reports whether the resolution may be cached.
func Normalize(raw Raw) (Locator, bool) {
	loc := Locator{
		URL:      raw.URL,
		Fetch:    true,
		Absolute: raw.Absolute,
		Method:   raw.Method,
		Timeout:  raw.Timeout,
		Body:     raw.Body,
	}
	if loc.Method == "" {
		loc.Method = DefaultMethod
	}
	if loc.Timeout <= 0 {
		loc.Timeout = DefaultTimeout
	}
	if raw.Query != nil {
		loc.Query = raw.Query.String()
	}
	if len(raw.Headers) > 0 {
		loc.Headers = make(map[string]string, len(raw.Headers))
		for k, v := range raw.Headers {
			loc.Headers[k] = v
		}
	}
	return loc, !raw.NoCache
}

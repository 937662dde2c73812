package model

import "time"

// Evidence is one proof-of-collection item captured during a fetch attempt.
// At most one of Screenshot and Data is populated; a failure record carries neither.
type Evidence struct {
	Source     string    `json:"source"`
	URL        string    `json:"url,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Screenshot []byte    `json:"screenshot,omitempty"`
	Data       string    `json:"data,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Kind reports which payload the evidence carries.
func (e Evidence) Kind() string {
	switch {
	case len(e.Screenshot) > 0:
		return "screenshot"
	case e.Data != "":
		return "data"
	default:
		return "none"
	}
}

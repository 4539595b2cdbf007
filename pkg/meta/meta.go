// Package meta models free-form record metadata as a tagged union of known
// source variants plus an open extension map, so known fields stay typed
// without dropping fields written by newer producers.
package meta

import "encoding/json"

// Meta is the metadata attached to memory objects, chunks, and graph nodes.
// At most one source variant is set. Unknown top-level keys survive a
// decode/encode round trip through Extra.
type Meta struct {
	Ticket   *TicketMeta   `json:"ticket,omitempty"`
	Thread   *ThreadMeta   `json:"thread,omitempty"`
	Meeting  *MeetingMeta  `json:"meeting,omitempty"`
	File     *FileMeta     `json:"file,omitempty"`
	PR       *PRMeta       `json:"pr,omitempty"`
	Doc      *DocMeta      `json:"doc,omitempty"`
	Run      *RunMeta      `json:"run,omitempty"`
	Incident *IncidentMeta `json:"incident,omitempty"`

	// Links maps a link type to the URLs enriched onto the record
	Links map[string][]string `json:"links,omitempty"`

	// Extra holds unknown top-level keys verbatim
	Extra map[string]json.RawMessage `json:"-"`
}

// TicketMeta holds ticketing-system fields
type TicketMeta struct {
	Status   string   `json:"status,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Assignee string   `json:"assignee,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

// ThreadMeta holds chat-thread fields
type ThreadMeta struct {
	Channel      string `json:"channel,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
	Resolved     bool   `json:"resolved,omitempty"`
}

// MeetingMeta holds meeting-note fields
type MeetingMeta struct {
	Attendees []string `json:"attendees,omitempty"`
	Date      string   `json:"date,omitempty"`
	Recording string   `json:"recording,omitempty"`
}

// FileMeta holds code-file fields
type FileMeta struct {
	Repo     string `json:"repo,omitempty"`
	Path     string `json:"path,omitempty"`
	Language string `json:"language,omitempty"`
}

// PRMeta holds pull-request fields
type PRMeta struct {
	Repo   string `json:"repo,omitempty"`
	Number int    `json:"number,omitempty"`
	State  string `json:"state,omitempty"`
	Author string `json:"author,omitempty"`
}

// DocMeta holds document fields
type DocMeta struct {
	Space   string `json:"space,omitempty"`
	Version int    `json:"version,omitempty"`
	Author  string `json:"author,omitempty"`
}

// RunMeta holds CI/pipeline run fields
type RunMeta struct {
	Pipeline   string `json:"pipeline,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// IncidentMeta holds incident fields
type IncidentMeta struct {
	Severity   string `json:"severity,omitempty"`
	Status     string `json:"status,omitempty"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

// AddLink records url under linkType. Returns false when the URL is already
// present under that type.
func (m *Meta) AddLink(linkType, url string) bool {
	if m.Links == nil {
		m.Links = make(map[string][]string)
	}
	for _, existing := range m.Links[linkType] {
		if existing == url {
			return false
		}
	}
	m.Links[linkType] = append(m.Links[linkType], url)
	return true
}

// HasLink reports whether url exists under linkType.
func (m *Meta) HasLink(linkType, url string) bool {
	for _, existing := range m.Links[linkType] {
		if existing == url {
			return true
		}
	}
	return false
}

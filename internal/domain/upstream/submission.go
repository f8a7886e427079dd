package upstream

import (
	"encoding/json"
	"fmt"
)

// Submission is the flat dynamic-add request shape:
// {"name": "...", "command": "...", "args": [...], "env": {...}}
type Submission struct {
	Name string            `json:"name"`
	Type string            `json:"type,omitempty"`
	Command string         `json:"command,omitempty"`
	Args []string          `json:"args,omitempty"`
	URL  string             `json:"url,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// containerSubmission is the alternate shape some clients send, wrapping
// one or more named server definitions under "mcpServers":
// {"mcpServers": {"name": {"command": "...", "args": [...]}}}
type containerSubmission struct {
	MCPServers map[string]Submission `json:"mcpServers"`
}

// ParseSubmissions normalizes a dynamic-add request body into one or more
// Submissions, accepting either the flat shape or the mcpServers container
// shape. A body matching neither shape is a validation error.
func ParseSubmissions(body []byte) ([]Submission, error) {
	var container containerSubmission
	if err := json.Unmarshal(body, &container); err == nil && len(container.MCPServers) > 0 {
		subs := make([]Submission, 0, len(container.MCPServers))
		for name, sub := range container.MCPServers {
			sub.Name = name
			subs = append(subs, sub)
		}
		return subs, nil
	}

	var flat Submission
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	if flat.Name == "" {
		return nil, fmt.Errorf("submission missing name")
	}
	return []Submission{flat}, nil
}

// ToUpstream converts a Submission into an Upstream domain record ready
// for validation and persistence. Timestamps and ID are left zero-valued
// for the caller to fill in.
func (s Submission) ToUpstream() *Upstream {
	typ := UpstreamType(s.Type)
	if typ == "" {
		if s.URL != "" {
			typ = UpstreamTypeHTTP
		} else {
			typ = UpstreamTypeStdio
		}
	}
	return &Upstream{
		Name:    s.Name,
		Type:    typ,
		Enabled: true,
		Command: s.Command,
		Args:    s.Args,
		URL:     s.URL,
		Env:     s.Env,
	}
}

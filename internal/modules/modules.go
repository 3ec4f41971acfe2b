package modules

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	DefaultSessionID       = "default"
	DefaultAnchorSessionID = "default_anchor"
)

// Submodule is the unit of feature verification. Keys the service does not
// model are kept in Extra and written back unchanged.
type Submodule struct {
	Title       string
	Description string
	Approved    *bool
	Extra       map[string]json.RawMessage
}

type Module struct {
	Title      string
	Submodules []Submodule
	Extra      map[string]json.RawMessage
}

type TestRunRequest struct {
	SiteURL         string   `json:"site_url"`
	Modules         []Module `json:"modules"`
	SessionID       string   `json:"session_id"`
	AnchorSessionID string   `json:"anchor_session_id"`
}

type TestRunResult struct {
	Modules []Module `json:"modules"`
}

var ErrSiteURLRequired = errors.New("site_url required")

// WithDefaults fills empty session identifiers.
func (r TestRunRequest) WithDefaults() TestRunRequest {
	r.SiteURL = strings.TrimSpace(r.SiteURL)
	if strings.TrimSpace(r.SessionID) == "" {
		r.SessionID = DefaultSessionID
	}
	if strings.TrimSpace(r.AnchorSessionID) == "" {
		r.AnchorSessionID = DefaultAnchorSessionID
	}
	if r.Modules == nil {
		r.Modules = []Module{}
	}
	return r
}

func (r TestRunRequest) Validate() error {
	if strings.TrimSpace(r.SiteURL) == "" {
		return ErrSiteURLRequired
	}
	return nil
}

// SubmoduleCount returns the number of submodules across all modules.
func (r TestRunRequest) SubmoduleCount() int {
	total := 0
	for _, module := range r.Modules {
		total += len(module.Submodules)
	}
	return total
}

// WithVerdict returns a copy of the submodule carrying the given verdict.
func (s Submodule) WithVerdict(approved bool) Submodule {
	out := Submodule{
		Title:       s.Title,
		Description: s.Description,
		Approved:    &approved,
		Extra:       cloneRaw(s.Extra),
	}
	return out
}

// WithSubmodules returns a copy of the module with its submodules replaced.
func (m Module) WithSubmodules(submodules []Submodule) Module {
	return Module{
		Title:      m.Title,
		Submodules: submodules,
		Extra:      cloneRaw(m.Extra),
	}
}

func (s *Submodule) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	decoded := Submodule{}
	if err := takeString(fields, "title", &decoded.Title); err != nil {
		return err
	}
	if err := takeString(fields, "description", &decoded.Description); err != nil {
		return err
	}
	if raw, ok := fields["approved"]; ok {
		delete(fields, "approved")
		var approved *bool
		if err := json.Unmarshal(raw, &approved); err == nil {
			decoded.Approved = approved
		}
	}
	if len(fields) > 0 {
		decoded.Extra = fields
	}
	*s = decoded
	return nil
}

func (s Submodule) MarshalJSON() ([]byte, error) {
	out := cloneRaw(s.Extra)
	if err := putValue(out, "title", s.Title); err != nil {
		return nil, err
	}
	if err := putValue(out, "description", s.Description); err != nil {
		return nil, err
	}
	if s.Approved != nil {
		if err := putValue(out, "approved", *s.Approved); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (m *Module) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	decoded := Module{}
	if err := takeString(fields, "title", &decoded.Title); err != nil {
		return err
	}
	if raw, ok := fields["submodules"]; ok {
		delete(fields, "submodules")
		if err := json.Unmarshal(raw, &decoded.Submodules); err != nil {
			return err
		}
	}
	if decoded.Submodules == nil {
		decoded.Submodules = []Submodule{}
	}
	if len(fields) > 0 {
		decoded.Extra = fields
	}
	*m = decoded
	return nil
}

func (m Module) MarshalJSON() ([]byte, error) {
	out := cloneRaw(m.Extra)
	if err := putValue(out, "title", m.Title); err != nil {
		return nil, err
	}
	submodules := m.Submodules
	if submodules == nil {
		submodules = []Submodule{}
	}
	if err := putValue(out, "submodules", submodules); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func takeString(fields map[string]json.RawMessage, key string, target *string) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func putValue(fields map[string]json.RawMessage, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	fields[key] = encoded
	return nil
}

func cloneRaw(input map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(input)+3)
	for key, value := range input {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out
}

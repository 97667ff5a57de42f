package store

import (
	"bytes"
	"encoding/json"
)

// Each model below keeps the keys it does not define in Extra so clients can
// store their own data on it. A known key is also kept when its value is an
// explicit zero ("", false, null, [] or {}), because omitempty would drop it.

func (m Member) MarshalJSON() ([]byte, error) {
	type plain Member
	return marshalWithExtra(plain(m), m.Extra)
}

func (m *Member) UnmarshalJSON(data []byte) error {
	type plain Member
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, "id", "name", "color", "role", "email")
	if err != nil {
		return err
	}
	*m = Member(p)
	m.Extra = extra
	return nil
}

func (r HealthResponse) MarshalJSON() ([]byte, error) {
	type plain HealthResponse
	return marshalWithExtra(plain(r), r.Extra)
}

func (r *HealthResponse) UnmarshalJSON(data []byte) error {
	type plain HealthResponse
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, "userId", "anonymousName", "ratings")
	if err != nil {
		return err
	}
	*r = HealthResponse(p)
	r.Extra = extra
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	type plain Action
	return marshalWithExtra(plain(a), a.Extra)
}

func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, "id", "text", "assigneeId", "done")
	if err != nil {
		return err
	}
	*a = Action(p)
	a.Extra = extra
	return nil
}

func (r Retrospective) MarshalJSON() ([]byte, error) {
	type plain Retrospective
	return marshalWithExtra(plain(r), r.Extra)
}

func (r *Retrospective) UnmarshalJSON(data []byte) error {
	type plain Retrospective
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, "id", "name", "date", "status", "phase", "actions")
	if err != nil {
		return err
	}
	*r = Retrospective(p)
	r.Extra = extra
	return nil
}

func (h HealthCheck) MarshalJSON() ([]byte, error) {
	type plain HealthCheck
	return marshalWithExtra(plain(h), h.Extra)
}

func (h *HealthCheck) UnmarshalJSON(data []byte) error {
	type plain HealthCheck
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := extraFields(data, "id", "name", "date", "status", "phase", "modelId", "isAnonymous", "responses", "actions")
	if err != nil {
		return err
	}
	*h = HealthCheck(p)
	h.Extra = extra
	return nil
}

// marshalWithExtra encodes v and merges in extra keys that v does not define.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return raw, nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for key, value := range extra {
		if _, ok := fields[key]; !ok {
			fields[key] = value
		}
	}
	return json.Marshal(fields)
}

func extraFields(data []byte, known ...string) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, key := range known {
		if value, ok := fields[key]; ok && !isZeroLiteral(value) {
			delete(fields, key)
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func isZeroLiteral(value json.RawMessage) bool {
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return false
	}
	switch buf.String() {
	case `""`, "false", "0", "null", "[]", "{}":
		return true
	}
	return false
}

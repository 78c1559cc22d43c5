package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Encode flattens a Message into the string map the bus carries. Scalar
// payload values are written as plain strings; objects and arrays are
// JSON-encoded into a single string value.
func Encode(msg *Message) (map[string]string, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("message type is required")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	values := make(map[string]string, len(msg.Payload)+6)
	values[FieldType] = msg.Type
	values[FieldTimestamp] = ts.UTC().Format(time.RFC3339Nano)
	if msg.TargetAgent != "" {
		values[FieldTargetAgent] = msg.TargetAgent
	}
	if msg.SessionID != "" {
		values[FieldSessionID] = msg.SessionID
	}
	if msg.RequestID != "" {
		values[FieldRequestID] = msg.RequestID
	}
	if msg.AgentName != "" {
		values[FieldAgentName] = msg.AgentName
	}

	for k, v := range msg.Payload {
		s, err := stringify(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		values[k] = s
	}
	return values, nil
}

// Decode rebuilds a Message from bus values. Each payload field is tried as
// JSON first and falls back to the raw string, so round-tripped objects come
// back structured while plain text passes through untouched.
func Decode(values map[string]string) *Message {
	msg := &Message{Payload: make(map[string]any, len(values))}
	for k, v := range values {
		switch k {
		case FieldType:
			msg.Type = v
		case FieldTargetAgent:
			msg.TargetAgent = v
		case FieldSessionID:
			msg.SessionID = v
		case FieldRequestID:
			msg.RequestID = v
		case FieldAgentName:
			msg.AgentName = v
		case FieldTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				msg.Timestamp = ts
			}
		default:
			msg.Payload[k] = parseValue(v)
		}
	}
	return msg
}

func stringify(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case nil:
		return "", nil
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprintf("%v", t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// parseValue tries to JSON-decode structured values, falling back to the raw
// string. Only objects and arrays are decoded: bare numbers and booleans stay
// strings so values like question text "123" survive the round trip.
func parseValue(v string) any {
	if len(v) == 0 {
		return ""
	}
	if v[0] != '{' && v[0] != '[' {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return v
	}
	return out
}

// String returns a payload field as a string, tolerating values that were
// decoded as structured data by re-encoding them.
func (m *Message) String(field string) string {
	v, ok := m.Payload[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// StringSlice returns a payload field as a string slice. It accepts both a
// decoded JSON array and a bare string (treated as a single element).
func (m *Message) StringSlice(field string) []string {
	v, ok := m.Payload[field]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// Int returns a payload field as an int, tolerating string and float forms.
func (m *Message) Int(field string) int {
	switch t := m.Payload[field].(type) {
	case int:
		return t
	case float64:
		return int(t)
	case string:
		var n int
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

// Bool returns a payload field as a bool; "true" (any case) is true.
func (m *Message) Bool(field string) bool {
	switch t := m.Payload[field].(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "True" || t == "1"
	}
	return false
}

// ClassificationPayload decodes the classification_result payload field.
func (m *Message) ClassificationPayload(field string) (*Classification, error) {
	raw := m.String(field)
	if raw == "" {
		return nil, fmt.Errorf("field %q is empty", field)
	}
	var c Classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	return &c, nil
}

// HistoryPayload decodes the conversation_history payload field.
func (m *Message) HistoryPayload(field string) []HistoryEntry {
	raw := m.String(field)
	if raw == "" {
		return nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}

package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/partway/chat/src/types"
)

// normalizeMessage extracts a ChatMessage from a loosely-typed payload.
// Decode strategies run in fixed priority: a direct string mapping
// first, then a generic mapping with per-value string coercion. A
// missing required field or an unparsable timestamp fails the whole
// event; there is no partial extraction. The message id is synthesized
// locally.
func normalizeMessage(payload any) (types.ChatMessage, error) {
	fields, err := stringFields(payload)
	if err != nil {
		return types.ChatMessage{}, err
	}

	text, ok := fields[types.FieldText]
	if !ok {
		return types.ChatMessage{}, fmt.Errorf("missing field %q", types.FieldText)
	}
	userID, ok := fields[types.FieldUserID]
	if !ok {
		return types.ChatMessage{}, fmt.Errorf("missing field %q", types.FieldUserID)
	}
	username, ok := fields[types.FieldUsername]
	if !ok {
		return types.ChatMessage{}, fmt.Errorf("missing field %q", types.FieldUsername)
	}
	raw, ok := fields[types.FieldTimestamp]
	if !ok {
		return types.ChatMessage{}, fmt.Errorf("missing field %q", types.FieldTimestamp)
	}
	timestamp, err := time.Parse(types.TimestampLayout, raw)
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}

	return types.ChatMessage{
		ID:        uuid.New().String(),
		Text:      text,
		UserID:    userID,
		Username:  username,
		Timestamp: timestamp,
	}, nil
}

// stringFields flattens a payload into string key/value pairs.
func stringFields(payload any) (map[string]string, error) {
	switch p := payload.(type) {
	case map[string]string:
		out := make(map[string]string, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(p))
		for k, v := range p {
			out[k] = fmt.Sprint(v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported payload shape %T", payload)
	}
}

// normalizeSignal maps an ephemeral payload onto the typing flag it
// carries. Only the two sentinels are accepted, as a string or as the
// numeric value a generic JSON decode produces.
func normalizeSignal(payload any) (typing bool, err error) {
	switch p := payload.(type) {
	case string:
		switch p {
		case types.SignalTypingStart:
			return true, nil
		case types.SignalTypingStop:
			return false, nil
		}
		return false, fmt.Errorf("unknown signal sentinel %q", p)
	case float64:
		switch p {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
		return false, fmt.Errorf("unknown signal value %v", p)
	case int:
		switch p {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
		return false, fmt.Errorf("unknown signal value %d", p)
	default:
		return false, fmt.Errorf("unsupported signal shape %T", payload)
	}
}

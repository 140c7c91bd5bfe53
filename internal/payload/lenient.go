package payload

import (
	"bytes"
	"encoding/json"
)

// entries decodes a JSON array one element at a time. Elements that do not
// decode into T are dropped instead of failing the whole response.
type entries[T any] []T

func (e *entries[T]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	*e = out
	return nil
}

// ID is an identifier sent as either a JSON string or a JSON number.
// Twitch moved from numeric emote ids to strings like "emotesv2_...".
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

package webhook

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/glimte/wa-relay/contracts"
)

// Parse extracts the first message of the first change of the first entry.
// It returns nil when the body is not JSON or entry[0].changes[0].value is
// absent or falsy. A value that is present but not an object yields a message
// with every field unset. Further entries, changes and messages in a batch are
// ignored.
func Parse(body []byte) *contracts.NormalizedMessage {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var envelope map[string]any
	if err := dec.Decode(&envelope); err != nil {
		return nil
	}

	value, ok := object(first(envelope["entry"]), "changes")
	if !ok {
		return nil
	}
	value, ok = object(first(value), "value")
	if !ok || !truthy(value) {
		return nil
	}

	msg := &contracts.NormalizedMessage{}

	fields, ok := value.(map[string]any)
	if !ok {
		return msg
	}

	if metadata, ok := fields["metadata"].(map[string]any); ok {
		msg.PhoneNumberID = scalar(metadata["phone_number_id"])
	}

	message, _ := first(fields["messages"]).(map[string]any)
	if message == nil {
		return msg
	}

	msg.From = scalar(message["from"])
	msg.Type = contracts.MessageType(contracts.Deref(scalar(message["type"])))

	if text, ok := message["text"].(map[string]any); ok {
		msg.Body = nonEmpty(scalar(text["body"]))
	}
	if audio, ok := message["audio"].(map[string]any); ok {
		msg.AudioID = nonEmpty(scalar(audio["id"]))
	}

	return msg
}

// first returns element 0 of a JSON array, or nil
func first(v any) any {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	return arr[0]
}

// truthy reports false for null, false, 0 and the empty string
func truthy(v any) bool {
	switch s := v.(type) {
	case nil:
		return false
	case bool:
		return s
	case string:
		return s != ""
	case json.Number:
		f, err := s.Float64()
		return err != nil || f != 0
	default:
		return true
	}
}

// object returns the member key of a JSON object
func object(v any, key string) (any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	member, ok := obj[key]
	return member, ok
}

// scalar renders a JSON string, number or bool; anything else is absent
func scalar(v any) *string {
	switch s := v.(type) {
	case string:
		return &s
	case json.Number:
		return contracts.StringPtr(s.String())
	case bool:
		return contracts.StringPtr(strconv.FormatBool(s))
	default:
		return nil
	}
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

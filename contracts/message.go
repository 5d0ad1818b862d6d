package contracts

// MessageType is the WhatsApp message type as reported by the platform.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeAudio MessageType = "audio"
)

// Supported reports whether messages of this type are forwarded to the queue.
func (t MessageType) Supported() bool {
	return t == MessageTypeText || t == MessageTypeAudio
}

// NormalizedMessage is the flattened record extracted from a webhook envelope.
// Every field is optional; Body is set for text messages and AudioID for audio messages.
type NormalizedMessage struct {
	PhoneNumberID *string     `json:"phone_number_id,omitempty"`
	From          *string     `json:"from,omitempty"`
	Type          MessageType `json:"type,omitempty"`
	Body          *string     `json:"body"`
	AudioID       *string     `json:"audio_id"`
}

// Supported reports whether the message type is forwarded to the queue.
func (m NormalizedMessage) Supported() bool {
	return m.Type.Supported()
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns the pointed-to string or "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

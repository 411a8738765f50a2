package events

import "time"

// JSONEvent is the wire format for events forwarded to an external
// observability sink.
type JSONEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Item      int                    `json:"item,omitempty"`
	ChangeSet *int                   `json:"change_set,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// ToJSONEvent converts an internal Event to its wire format.
func ToJSONEvent(e Event) JSONEvent {
	je := JSONEvent{
		Type:      string(e.Type),
		Timestamp: e.Time,
		Item:      e.Item,
		ChangeSet: e.ChangeSet,
		Error:     e.Error,
	}

	if e.Payload != nil {
		switch p := e.Payload.(type) {
		case map[string]interface{}:
			je.Payload = p
		default:
			je.Payload = map[string]interface{}{"value": e.Payload}
		}
	}

	return je
}

// ToEvent converts a wire format JSONEvent back to an internal Event.
func (je JSONEvent) ToEvent() Event {
	var payload any
	if je.Payload != nil {
		payload = je.Payload
	}

	return Event{
		Type:      EventType(je.Type),
		Time:      je.Timestamp,
		Item:      je.Item,
		ChangeSet: je.ChangeSet,
		Payload:   payload,
		Error:     je.Error,
	}
}

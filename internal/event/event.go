package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category groups provider event types into the closed set of business
// areas the platform understands. Types outside the set map to
// CategoryUnknown and pass through the pipeline as no-ops unless a handler
// is registered for them.
type Category string

const (
	CategoryPayment      Category = "payment"
	CategoryPayout       Category = "payout"
	CategorySubscription Category = "subscription"
	CategoryAccount      Category = "account"
	CategoryUnknown      Category = "unknown"
)

// Event is the unit of work flowing through the pipeline. ID and Created
// are provider-assigned; Created is authoritative for per-resource
// ordering. Payload holds the raw request body exactly as received.
type Event struct {
	ID         string
	Type       string
	ResourceID string
	Payload    json.RawMessage
	Created    time.Time
	Received   time.Time
}

type wireEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes json.RawMessage `json:"previous_attributes"`
	} `json:"data"`
}

// Parse decodes the provider wire shape. The raw bytes are retained on the
// event untouched so the payload can be journalled and dead-lettered
// byte-for-byte.
func Parse(raw []byte, received time.Time) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if w.ID == "" {
		return Event{}, fmt.Errorf("event is missing id")
	}
	if w.Type == "" {
		return Event{}, fmt.Errorf("event %s is missing type", w.ID)
	}

	evt := Event{
		ID:       w.ID,
		Type:     w.Type,
		Payload:  append(json.RawMessage(nil), raw...),
		Created:  time.Unix(w.Created, 0).UTC(),
		Received: received,
	}
	if len(w.Data.Object) > 0 {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(w.Data.Object, &obj); err == nil {
			evt.ResourceID = obj.ID
		}
	}
	return evt, nil
}

// Object unmarshals data.object into dst. Handlers use this to read the
// fields they care about without a full schema for every provider type.
func (e Event) Object(dst any) error {
	var w wireEvent
	if err := json.Unmarshal(e.Payload, &w); err != nil {
		return fmt.Errorf("decode event %s: %w", e.ID, err)
	}
	if len(w.Data.Object) == 0 {
		return fmt.Errorf("event %s has no data.object", e.ID)
	}
	return json.Unmarshal(w.Data.Object, dst)
}

func (e Event) Category() Category {
	head, rest, _ := strings.Cut(e.Type, ".")
	switch head {
	case "payment_intent", "charge", "invoice":
		return CategoryPayment
	case "payout", "transfer":
		return CategoryPayout
	case "customer":
		if strings.HasPrefix(rest, "subscription") {
			return CategorySubscription
		}
		return CategoryAccount
	case "account":
		return CategoryAccount
	default:
		return CategoryUnknown
	}
}

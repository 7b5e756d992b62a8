package apify

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/domain/schema"
)

// wireEvent mirrors the upstream JSON envelope. The payload stays raw until
// the event type selects its variant.
type wireEvent struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	PrimaryID string          `json:"primaryId"`
	User      schema.UserRef  `json:"user"`
	Data      json.RawMessage `json:"data"`
}

// ParseEvent decodes one SSE frame into a canonical event. The event type
// comes from the JSON envelope, falling back to the frame's event field; the
// primary id falls back to the frame's id field. Parse-scoped errors mark
// frames the stream should skip.
func ParseEvent(frame Frame) (*schema.Event, error) {
	raw := strings.TrimSpace(frame.Data)
	if raw == "" {
		return nil, errs.New("apify/parse", errs.CodeParse, errs.WithMessage("frame carries no data"))
	}

	var wire wireEvent
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, errs.New("apify/parse", errs.CodeParse,
			errs.WithMessage("malformed event payload"), errs.WithCause(err))
	}

	typeField := strings.TrimSpace(wire.Type)
	if typeField == "" {
		typeField = strings.TrimSpace(frame.Event)
	}
	eventType, err := schema.ParseEventType(typeField)
	if err != nil {
		return nil, err
	}

	evt := &schema.Event{
		Type:      eventType,
		Timestamp: strings.TrimSpace(wire.Timestamp),
		PrimaryID: strings.TrimSpace(wire.PrimaryID),
		User:      wire.User,
	}
	if evt.PrimaryID == "" {
		evt.PrimaryID = strings.TrimSpace(frame.ID)
	}

	if payload, err := decodePayload(eventType, wire.Data); err != nil {
		return nil, err
	} else if payload != nil {
		evt.Data = payload
	}
	return evt, nil
}

func decodePayload(eventType schema.EventType, raw json.RawMessage) (any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch {
	case eventType.IsPost():
		payload := new(schema.PostData)
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, errs.New("apify/parse", errs.CodeParse,
				errs.WithMessage("malformed post payload"), errs.WithCause(err))
		}
		return payload, nil
	case eventType.IsProfile():
		payload := new(schema.ProfileData)
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, errs.New("apify/parse", errs.CodeParse,
				errs.WithMessage("malformed profile payload"), errs.WithCause(err))
		}
		return payload, nil
	case eventType.IsFollow():
		payload := new(schema.FollowData)
		if err := json.Unmarshal(raw, payload); err != nil {
			return nil, errs.New("apify/parse", errs.CodeParse,
				errs.WithMessage("malformed follow payload"), errs.WithCause(err))
		}
		return payload, nil
	default:
		return nil, nil
	}
}

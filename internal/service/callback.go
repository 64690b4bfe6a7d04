package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

type EventType string

const (
	EventDelivered       EventType = "DELIVERED"
	EventRead            EventType = "READ"
	EventFailed          EventType = "FAILED"
	EventUserReply       EventType = "USER_REPLY"
	EventSuggestionClick EventType = "SUGGESTION_CLICK"
)

// Event is one gateway callback in normalized form.
type Event struct {
	CorrelationID string          `json:"correlationId"`
	Type          EventType       `json:"eventType"`
	EventID       string          `json:"eventId,omitempty"`
	ErrorDetail   string          `json:"errorDetail,omitempty"`
	ReplyText     string          `json:"replyText,omitempty"`
	ClickPayload  json.RawMessage `json:"clickPayload,omitempty"`
}

// DedupKey identifies the callback for de-duplication: the gateway's event id
// when it sent one, otherwise a digest of the correlation id, type and payload.
func (e Event) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	h := sha256.New()
	for _, part := range []string{e.CorrelationID, string(e.Type), e.ReplyText, string(e.ClickPayload)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

var ErrMalformedCallback = errors.New("malformed gateway callback")

// nativeCallback is the envelope the gateway posts to its webhook.
type nativeCallback struct {
	EntityType string `json:"entityType"`
	Entity     struct {
		EventType string `json:"eventType"`
		MessageID string `json:"messageId"`
		EventID   string `json:"eventId"`
		Error     *struct {
			Message string `json:"message"`
		} `json:"error"`
		Text               string          `json:"text"`
		SuggestionResponse json.RawMessage `json:"suggestionResponse"`
	} `json:"entity"`
	MetaData struct {
		OrgMsgID string `json:"orgMsgId"`
	} `json:"metaData"`
}

var nativeEventTypes = map[string]EventType{
	"MESSAGE_DELIVERED":    EventDelivered,
	"MESSAGE_READ":         EventRead,
	"SEND_MESSAGE_FAILURE": EventFailed,
	"USER_MESSAGE":         EventUserReply,
	"SUGGESTION_RESPONSE":  EventSuggestionClick,
}

// ParseCallback accepts either the normalized event or the gateway's native
// envelope. Event types it does not know are returned as-is for the caller to
// ignore.
func ParseCallback(body []byte) (Event, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return Event{}, ErrMalformedCallback
	}

	if _, native := probe["entity"]; !native {
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil || ev.CorrelationID == "" || ev.Type == "" {
			return Event{}, ErrMalformedCallback
		}
		ev.Type = EventType(strings.ToUpper(string(ev.Type)))
		return ev, nil
	}

	var nc nativeCallback
	if err := json.Unmarshal(body, &nc); err != nil {
		return Event{}, ErrMalformedCallback
	}
	raw := nc.Entity.EventType
	if raw == "" {
		raw = nc.EntityType
	}
	ev := Event{
		CorrelationID: nc.Entity.MessageID,
		EventID:       nc.Entity.EventID,
		Type:          EventType(raw),
	}
	if mapped, ok := nativeEventTypes[raw]; ok {
		ev.Type = mapped
	}

	switch ev.Type {
	case EventUserReply, EventSuggestionClick:
		// inbound user messages carry the id of the message they answer
		if nc.MetaData.OrgMsgID != "" {
			ev.CorrelationID = nc.MetaData.OrgMsgID
		}
		if hasPayload(nc.Entity.SuggestionResponse) {
			ev.Type = EventSuggestionClick
			ev.ClickPayload = nc.Entity.SuggestionResponse
		} else {
			ev.ReplyText = nc.Entity.Text
		}
	case EventFailed:
		if nc.Entity.Error != nil {
			ev.ErrorDetail = nc.Entity.Error.Message
		}
	}

	if ev.CorrelationID == "" || ev.Type == "" {
		return Event{}, ErrMalformedCallback
	}
	return ev, nil
}

func hasPayload(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "[]" && s != "{}"
}

package service_test

import (
	"errors"
	"testing"

	"github.com/unclebandit/rcs-dispatch/internal/service"
)

func TestParseNormalizedCallback(t *testing.T) {
	ev, err := service.ParseCallback([]byte(`{"correlationId":"msg_1","eventType":"delivered","eventId":"e1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.CorrelationID != "msg_1" || ev.Type != service.EventDelivered || ev.EventID != "e1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestParseNativeCallbacks(t *testing.T) {
	cases := []struct {
		name string
		body string
		want service.Event
	}{
		{
			name: "delivered",
			body: `{"entityType":"STATUS_EVENT","entity":{"eventType":"MESSAGE_DELIVERED","messageId":"msg_1","eventId":"e1"}}`,
			want: service.Event{CorrelationID: "msg_1", Type: service.EventDelivered, EventID: "e1"},
		},
		{
			name: "read",
			body: `{"entity":{"eventType":"MESSAGE_READ","messageId":"msg_1"}}`,
			want: service.Event{CorrelationID: "msg_1", Type: service.EventRead},
		},
		{
			name: "failure",
			body: `{"entity":{"eventType":"SEND_MESSAGE_FAILURE","messageId":"msg_1","error":{"message":"not RCS capable"}}}`,
			want: service.Event{CorrelationID: "msg_1", Type: service.EventFailed, ErrorDetail: "not RCS capable"},
		},
		{
			name: "user reply",
			body: `{"entityType":"USER_MESSAGE","entity":{"messageId":"inbound_7","text":"stop"},"metaData":{"orgMsgId":"msg_1"}}`,
			want: service.Event{CorrelationID: "msg_1", Type: service.EventUserReply, ReplyText: "stop"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := service.ParseCallback([]byte(tc.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.CorrelationID != tc.want.CorrelationID || ev.Type != tc.want.Type ||
				ev.EventID != tc.want.EventID || ev.ErrorDetail != tc.want.ErrorDetail || ev.ReplyText != tc.want.ReplyText {
				t.Errorf("got %+v, want %+v", ev, tc.want)
			}
		})
	}
}

func TestParseNativeSuggestionResponse(t *testing.T) {
	body := `{"entity":{"eventType":"USER_MESSAGE","messageId":"in_1","suggestionResponse":{"postbackData":"buy"}},"metaData":{"orgMsgId":"msg_1"}}`
	ev, err := service.ParseCallback([]byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != service.EventSuggestionClick || ev.CorrelationID != "msg_1" {
		t.Errorf("unexpected event %+v", ev)
	}
	if string(ev.ClickPayload) != `{"postbackData":"buy"}` {
		t.Errorf("unexpected click payload %s", ev.ClickPayload)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"eventType":"DELIVERED"}`,
		`{"correlationId":"msg_1"}`,
		`{"entity":{"eventType":"MESSAGE_READ"}}`,
	} {
		if _, err := service.ParseCallback([]byte(body)); !errors.Is(err, service.ErrMalformedCallback) {
			t.Errorf("ParseCallback(%s) error = %v, want ErrMalformedCallback", body, err)
		}
	}
}

func TestDedupKey(t *testing.T) {
	withID := service.Event{CorrelationID: "msg_1", Type: service.EventUserReply, EventID: "evt-1"}
	if withID.DedupKey() != "evt-1" {
		t.Errorf("expected the gateway event id, got %q", withID.DedupKey())
	}

	a := service.Event{CorrelationID: "msg_1", Type: service.EventUserReply, ReplyText: "yes"}
	b := service.Event{CorrelationID: "msg_1", Type: service.EventUserReply, ReplyText: "no"}
	if a.DedupKey() == "" || a.DedupKey() != a.DedupKey() {
		t.Error("expected a stable key for callbacks without an event id")
	}
	if a.DedupKey() == b.DedupKey() {
		t.Error("different replies must not share a key")
	}
}

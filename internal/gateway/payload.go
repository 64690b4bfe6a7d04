package gateway

import (
	"encoding/json"
	"fmt"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/model"
)

// PayloadShaper turns campaign content into the gateway's "content" object.
type PayloadShaper func(content json.RawMessage) (json.RawMessage, error)

var shapers = map[model.MessageType]PayloadShaper{
	model.MessageText:           shapeText,
	model.MessageImage:          requireKeys("richCardDetails"),
	model.MessageVideo:          requireKeys("richCardDetails"),
	model.MessageCarousel:       requireKeys("richCardDetails"),
	model.MessageRCS:            requireKeys(),
	model.MessageTextWithAction: requireKeys("plainText", "suggestions"),
	model.MessageSuggestion:     requireKeys("suggestions"),
	model.MessageWebview:        requireKeys("suggestions"),
	model.MessageDialerAction:   requireKeys("suggestions"),
}

// ShapeContent validates content for messageType and returns the shaped
// gateway content.
func ShapeContent(messageType model.MessageType, content json.RawMessage) (json.RawMessage, error) {
	shape, ok := shapers[messageType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", appErrors.ErrUnknownMessageType, messageType)
	}
	return shape(content)
}

// text accepts a bare JSON string or an object that already has plainText.
func shapeText(content json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("%w: empty text", appErrors.ErrInvalidContent)
		}
		return json.Marshal(map[string]string{"plainText": s})
	}
	return requireKeys("plainText")(content)
}

func requireKeys(keys ...string) PayloadShaper {
	return func(content json.RawMessage) (json.RawMessage, error) {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(content, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: expected a JSON object", appErrors.ErrInvalidContent)
		}
		for _, k := range keys {
			if _, ok := obj[k]; !ok {
				return nil, fmt.Errorf("%w: missing %q", appErrors.ErrInvalidContent, k)
			}
		}
		return content, nil
	}
}

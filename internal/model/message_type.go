// internal/model/message_type.go
package model

type MessageType string

const (
	MessageText           MessageType = "text"
	MessageImage          MessageType = "image"
	MessageVideo          MessageType = "video"
	MessageCarousel       MessageType = "carousel"
	MessageRCS            MessageType = "rcs"
	MessageTextWithAction MessageType = "text-with-action"
	MessageSuggestion     MessageType = "suggestion"
	MessageWebview        MessageType = "webview"
	MessageDialerAction   MessageType = "dialer-action"
)

package whatsapp

import (
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// Frame types exchanged with the bridge.
const (
	// events from the bridge
	frameMessage  = "message"
	frameEdit     = "edit"
	frameDelete   = "delete"
	frameReaction = "reaction"

	// requests to the bridge; each is answered by an ack or an error frame
	// carrying the same req.
	frameSend      = "send"
	frameEditMsg   = "edit_message"
	frameDeleteMsg = "delete_message"
	frameReact     = "react"
	frameListChats = "list_chats"

	frameAck   = "ack"
	frameError = "error"
)

// codeUnsupported is the error code the bridge uses for refused operations.
const codeUnsupported = "unsupported"

// frame is one JSON message on the bridge socket.
// Events: {"type":"message","chat":"...","id":"...","from":"...","from_name":"...","content":"...","reply_to":"...","media":[...]}
type frame struct {
	Type string `json:"type"`
	Req  string `json:"req,omitempty"`

	ID       string   `json:"id,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	ChatName string   `json:"chat_name,omitempty"`
	From     string   `json:"from,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	Content  string   `json:"content,omitempty"`
	ReplyTo  string   `json:"reply_to,omitempty"`
	Reaction string   `json:"reaction,omitempty"`
	Remove   bool     `json:"remove,omitempty"`
	Silent   bool     `json:"silent,omitempty"`
	Media    []string `json:"media,omitempty"`

	Chats []bridgeChat `json:"chats,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// bridgeChat is a chat entry of a list_chats ack.
type bridgeChat struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Muted       bool   `json:"muted,omitempty"`
}

// bridgeError converts an error frame. Refusals wrap channels.ErrUnsupported.
func bridgeError(f frame) error {
	msg := f.Error
	if msg == "" {
		msg = "unknown bridge error"
	}
	if f.Code == codeUnsupported {
		return fmt.Errorf("%w: %s", channels.ErrUnsupported, msg)
	}
	return errors.New(msg)
}

package utils

import (
	"whatsapp-karl-bot/types"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// CreateTextMessage creates a WhatsApp text message. When mentions are given
// the message is sent as an extended text carrying the mentioned JIDs.
func CreateTextMessage(text string, mentions ...string) *waE2E.Message {
	if len(mentions) == 0 {
		return &waE2E.Message{
			Conversation: proto.String(text),
		}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				MentionedJID: mentions,
			},
		},
	}
}

// ContentOf extracts the text-bearing fields of a message
func ContentOf(msg *waE2E.Message) types.MessageContent {
	if msg == nil {
		return types.MessageContent{}
	}
	return types.MessageContent{
		Conversation: msg.GetConversation(),
		ExtendedText: msg.GetExtendedTextMessage().GetText(),
		ImageCaption: msg.GetImageMessage().GetCaption(),
		VideoCaption: msg.GetVideoMessage().GetCaption(),
	}
}

// MentionsOf returns the JIDs mentioned by the message, if any.
func MentionsOf(msg *waE2E.Message) []string {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetExtendedTextMessage().GetContextInfo() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo().GetMentionedJID()
	case msg.GetImageMessage().GetContextInfo() != nil:
		return msg.GetImageMessage().GetContextInfo().GetMentionedJID()
	case msg.GetVideoMessage().GetContextInfo() != nil:
		return msg.GetVideoMessage().GetContextInfo().GetMentionedJID()
	}
	return nil
}

package app

import "errors"

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	ErrEmptyTurn             = errors.New("message text or attachments required")
)

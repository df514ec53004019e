package consts

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrInternalError   = errors.New("internal error")
)

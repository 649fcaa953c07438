package thread

import "errors"

// Sentinel errors for thread operations. Part of the package's public API;
// check with errors.Is().
var (
	// ErrConversationNotFound indicates the requested conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNoRoot indicates the conversation has no root message yet.
	ErrNoRoot = errors.New("conversation has no root message")

	// ErrNotChild indicates an active-child update named a message that is
	// not a child of the stated parent. This is an invariant violation and is
	// never silently corrected.
	ErrNotChild = errors.New("message is not a child of the stated parent")
)

package engine

import "fmt"

// Rejection is returned for input the engine refuses to act on. Over the channel surface rejections
// are logged and dropped, never sent back to the client.
type Rejection struct {
	Code    string
	Message string
}

func (e *Rejection) Error() string {
	return e.Message
}

// Is matches rejections by code so wrapped or detailed variants still satisfy errors.Is.
func (e *Rejection) Is(target error) bool {
	if t, ok := target.(*Rejection); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrMissingKey = &Rejection{
		Code:    "MISSING_KEY",
		Message: "workspace key is required",
	}

	ErrEmptyMessage = &Rejection{
		Code:    "EMPTY_MESSAGE",
		Message: "message text is empty",
	}

	ErrMissingUser = &Rejection{
		Code:    "MISSING_USER",
		Message: "message user is required",
	}

	ErrMissingTitle = &Rejection{
		Code:    "MISSING_TITLE",
		Message: "task title is required",
	}

	ErrInvalidStatus = &Rejection{
		Code:    "INVALID_STATUS",
		Message: "task status must be one of pending, in-progress, completed",
	}

	ErrInvalidPriority = &Rejection{
		Code:    "INVALID_PRIORITY",
		Message: "task priority must be one of low, medium, high",
	}

	ErrMalformedEvent = &Rejection{
		Code:    "MALFORMED_EVENT",
		Message: "event could not be decoded",
	}

	ErrUnknownEvent = &Rejection{
		Code:    "UNKNOWN_EVENT",
		Message: "unknown event",
	}

	ErrNotJoined = &Rejection{
		Code:    "NOT_JOINED",
		Message: "connection has not joined a workspace",
	}

	// ErrTaskNotFound is tolerated: toggling an unknown task changes nothing.
	ErrTaskNotFound = &Rejection{
		Code:    "TASK_NOT_FOUND",
		Message: "task not found",
	}
)

func malformed(event string, err error) *Rejection {
	return &Rejection{
		Code:    ErrMalformedEvent.Code,
		Message: fmt.Sprintf("failed to decode %s: %s", event, err),
	}
}

func unknownEvent(event string) *Rejection {
	return &Rejection{
		Code:    ErrUnknownEvent.Code,
		Message: fmt.Sprintf("unknown event %q", event),
	}
}

package queue

// ValidationError reports a malformed or missing request field. It is
// detected before any queue state is touched and maps to HTTP 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError reports an unknown session or prompt id. The boundary layer
// maps it to HTTP 404 by inspecting the message for "not found".
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

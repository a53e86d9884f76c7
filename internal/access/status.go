package access

// Status is the admission state of one session on one channel.
type Status int

const (
	StatusWaiting Status = iota
	StatusConnected
	StatusDenied
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusConnected:
		return "connected"
	case StatusDenied:
		return "denied"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool { return s == StatusDenied || s == StatusError }

// RequestStatus is the state of an access request.
type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestGranted
	RequestDenied
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestGranted:
		return "granted"
	case RequestDenied:
		return "denied"
	case RequestCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Intent is what a client asks for when it opens a channel.
type Intent string

const (
	IntentConnect       Intent = "connect"
	IntentRequestAccess Intent = "request-access"
)

func (i Intent) Valid() bool { return i == IntentConnect || i == IntentRequestAccess }

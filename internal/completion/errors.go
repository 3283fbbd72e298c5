package completion

import "fmt"

// Kind classifies an upstream failure.
type Kind int

const (
	UnknownUpstreamError Kind = iota
	TransientService
	Timeout
	RateLimited
	AuthInvalid
	MalformedRequest
)

const tryAgain = "Please try again, and if it repeats, let us know using the contact form."

func (k Kind) String() string {
	switch k {
	case TransientService:
		return "transient_service"
	case Timeout:
		return "timeout"
	case RateLimited:
		return "rate_limited"
	case AuthInvalid:
		return "auth_invalid"
	case MalformedRequest:
		return "malformed_request"
	default:
		return "unknown"
	}
}

// Message is the apology shown to the user for this kind of failure.
func (k Kind) Message() string {
	switch k {
	case TransientService:
		return "Error (APIError). Something went wrong on our side. " + tryAgain
	case Timeout:
		return "Error (Timeout). Something went wrong on our side. " + tryAgain
	case RateLimited:
		return "Error (RateLimitError). The system is receiving too many requests right now. Please try again in one minute."
	case AuthInvalid:
		return "Error (AuthenticationError). The API key is invalid, expired, or revoked. If you are a student, please inform the instructor for your class."
	case MalformedRequest:
		return "Error (InvalidRequestError). The request could not be processed. " + tryAgain
	default:
		return "Error (Exception). Something went wrong on our side. " + tryAgain
	}
}

// Error is returned by Execute for every failed call.
type Error struct {
	Kind   Kind
	Status int // upstream HTTP status, zero if none was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("completion %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the user-facing text for the failure.
func (e *Error) Message() string { return e.Kind.Message() }

// KindForStatus maps an upstream HTTP status to a failure kind.
func KindForStatus(status int) Kind {
	switch {
	case status >= 500:
		return TransientService
	case status == 429:
		return RateLimited
	case status == 401 || status == 403:
		return AuthInvalid
	case status == 400 || status == 404 || status == 422:
		return MalformedRequest
	default:
		return UnknownUpstreamError
	}
}

package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// Kind tags a pipeline failure with its class. The forwarding pipeline
// returns a *Fault up the call chain instead of writing responses deep in the
// stack; the mapping from Kind to envelope lives entirely in this package.
type Kind int

const (
	KindInternalFault Kind = iota // unclassified; catch-all
	KindUnauthenticated
	KindValidationFailed
	KindCircuitOpen
	KindConnectionFailed
	KindUpstreamTimeout
	KindUpstreamHTTPError
)

// Fault is a classified gateway failure carrying everything needed to emit
// exactly one error envelope. UpstreamStatus is set only for
// KindUpstreamHTTPError.
type Fault struct {
	Kind           Kind
	Message        string // overrides the kind's default message when non-empty
	Details        any
	UpstreamStatus int
	Err            error // underlying cause; logged, never sent to clients
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return f.Err.Error()
	}
	return f.message()
}

func (f *Fault) Unwrap() error { return f.Err }

// Status returns the HTTP status for the fault's class. Upstream HTTP errors
// pass the origin's status through unchanged.
func (f *Fault) Status() int {
	switch f.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindValidationFailed:
		return http.StatusUnprocessableEntity
	case KindCircuitOpen, KindConnectionFailed:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamHTTPError:
		return f.UpstreamStatus
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the stable error code for the fault's class.
func (f *Fault) Code() ErrorCode {
	switch f.Kind {
	case KindUnauthenticated:
		return Unauthenticated
	case KindValidationFailed:
		return ValidationError
	case KindCircuitOpen:
		return CircuitOpen
	case KindConnectionFailed:
		return ConnectionError
	case KindUpstreamTimeout:
		return BackendTimeout
	case KindUpstreamHTTPError:
		return BackendStatus(f.UpstreamStatus)
	default:
		return InternalServerError
	}
}

func (f *Fault) message() string {
	if f.Message != "" {
		return f.Message
	}
	switch f.Kind {
	case KindUnauthenticated:
		return "not authenticated"
	case KindValidationFailed:
		return "request validation failed"
	case KindCircuitOpen:
		return "upstream circuit breaker is open"
	case KindConnectionFailed:
		return "could not connect to upstream service"
	case KindUpstreamTimeout:
		return "upstream request timed out"
	case KindUpstreamHTTPError:
		return http.StatusText(f.UpstreamStatus)
	default:
		return "an unexpected error occurred"
	}
}

// WriteFault emits the envelope for a classified failure. Exactly one
// envelope is produced per fault; the underlying error text is never leaked.
func WriteFault(w http.ResponseWriter, r *http.Request, f *Fault) {
	WriteJSONDetails(w, r, f.Status(), f.Code(), f.message(), f.Details)
}

// AsFault extracts a *Fault from an error chain, classifying unknown errors
// as internal faults so every exit path still produces one envelope.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: KindInternalFault, Err: err}
}

// maxPromotedBody bounds how much raw upstream body text is echoed into the
// envelope message for unstructured error responses.
const maxPromotedBody = 512

// UpstreamFault builds the fault for an upstream HTTP error response. If the
// body is JSON carrying a "message" or "detail" field, that field is promoted
// into the envelope message; otherwise the raw body text is used, truncated.
func UpstreamFault(status int, body []byte) *Fault {
	f := &Fault{Kind: KindUpstreamHTTPError, UpstreamStatus: status}

	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if msg, ok := parsed["message"].(string); ok && msg != "" {
			f.Message = msg
			return f
		}
		if msg, ok := parsed["detail"].(string); ok && msg != "" {
			f.Message = msg
			return f
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > maxPromotedBody {
		text = text[:maxPromotedBody]
	}
	if text != "" {
		f.Message = text
	}
	return f
}

package stock

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedShape means the response decoded as JSON but no shape
// matcher accepted it. Callers treat it as an empty snapshot.
var ErrUnrecognizedShape = errors.New("unrecognized stock response shape")

type FetchKind string

const (
	KindTimeout    FetchKind = "timeout"
	KindHTTPStatus FetchKind = "http_status"
	KindTransport  FetchKind = "transport"
	KindDecode     FetchKind = "decode"
)

// FetchError classifies a failed fetch. Every kind is non-fatal and counts
// toward the poll loop's consecutive failure limit.
type FetchError struct {
	Kind       FetchKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindHTTPStatus:
		return fmt.Sprintf("stock fetch: http status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("stock fetch: %s: %v", e.Kind, e.Err)
	default:
		return "stock fetch: " + string(e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err carries a FetchError and returns it.
func IsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

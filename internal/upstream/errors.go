package upstream

import "errors"

var (
	// ErrConnection indicates the market server could not be reached.
	ErrConnection = errors.New("upstream.connection")
	// ErrEmptyBaseURL indicates the client was built without a market URL.
	ErrEmptyBaseURL = errors.New("upstream.empty_base_url")
	// ErrInvalidRequest indicates a request carried both a form and a JSON body.
	ErrInvalidRequest = errors.New("upstream.invalid_request")
	// ErrResponseTooLarge indicates a reply body exceeded the read limit.
	ErrResponseTooLarge = errors.New("upstream.response_too_large")
)

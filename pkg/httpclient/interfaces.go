package httpclient

import "context"

// Response is a minimal HTTP response contract.
type Response interface {
	Body() []byte
	StatusCode() int
}

// Client abstracts HTTP calls so callers can inject mocks or different transports.
type Client interface {
	Get(ctx context.Context, url string, headers map[string]string) (Response, error)
	// Download streams the response body for url into the file at path.
	// A non-2xx status is an error and leaves no file behind.
	Download(ctx context.Context, url, path string, headers map[string]string) error
}

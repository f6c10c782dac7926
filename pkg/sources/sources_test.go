package sources

import (
	"context"
	"fmt"
	"os"

	"github.com/clipherd-hq/clipherd-courier/pkg/httpclient"
)

type stubResponse struct {
	body   []byte
	status int
}

func (s stubResponse) Body() []byte    { return s.body }
func (s stubResponse) StatusCode() int { return s.status }

// stubClient serves canned responses keyed by URL.
type stubClient struct {
	responses map[string]stubResponse
	err       error
	calls     []string
}

func (s *stubClient) Get(_ context.Context, url string, _ map[string]string) (httpclient.Response, error) {
	s.calls = append(s.calls, url)
	if s.err != nil {
		return nil, s.err
	}
	resp, ok := s.responses[url]
	if !ok {
		return stubResponse{status: 404}, nil
	}
	return resp, nil
}

func (s *stubClient) Download(_ context.Context, url, path string, _ map[string]string) error {
	s.calls = append(s.calls, url)
	if s.err != nil {
		return s.err
	}
	resp, ok := s.responses[url]
	if !ok || resp.status != 200 {
		return fmt.Errorf("download %s: status %d", url, resp.status)
	}
	return os.WriteFile(path, resp.body, 0o644)
}

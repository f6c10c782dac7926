package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/clipherd-hq/clipherd-courier/internal/domain"
)

var (
	internalIDPattern = regexp.MustCompile(`"userInfo":\{"user":\{"id":"(\d+)"`)
	sourceUIDPattern  = regexp.MustCompile(`secUid":"(.*?)"`)
)

// HTTPDirectory resolves handles by scraping the profile page and caches
// resolved profiles on disk, since platform identifiers never change for a
// handle.
type HTTPDirectory struct {
	client    HTTPClient
	endpoints Endpoints
	cacheDir  string
}

// NewHTTPDirectory constructs a directory resolver. cacheDir may be empty to
// disable the on-disk profile cache.
func NewHTTPDirectory(client HTTPClient, endpoints Endpoints, cacheDir string) *HTTPDirectory {
	return &HTTPDirectory{client: client, endpoints: endpoints, cacheDir: cacheDir}
}

// Resolve returns the platform identifiers for a handle.
func (d *HTTPDirectory) Resolve(ctx context.Context, handle string) (Profile, error) {
	handle = strings.TrimSpace(strings.TrimPrefix(handle, "@"))
	if handle == "" {
		return Profile{}, fmt.Errorf("%w: empty handle", domain.ErrUserResolution)
	}

	if profile, ok := d.cached(handle); ok {
		return profile, nil
	}

	url := fmt.Sprintf(d.endpoints.ProfileURL, handle)
	resp, err := d.client.Get(ctx, url, d.endpoints.Headers())
	if err != nil {
		return Profile{}, fmt.Errorf("%w: fetch profile page for %s: %v", domain.ErrNetwork, handle, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Profile{}, fmt.Errorf("%w: profile page for %s returned status %d", domain.ErrUserResolution, handle, resp.StatusCode())
	}

	profile, err := extractProfile(handle, resp.Body())
	if err != nil {
		return Profile{}, err
	}

	d.persist(profile)
	return profile, nil
}

// extractProfile pulls the identifiers out of the embedded page state. The
// state blob lives in a script tag; scanning script text keeps the regexes
// off unrelated markup, with a whole-page fallback for layout changes.
func extractProfile(handle string, body []byte) (Profile, error) {
	var haystacks []string

	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
		doc.Find("script").Each(func(_ int, s *goquery.Selection) {
			if text := s.Text(); strings.Contains(text, "userInfo") {
				haystacks = append(haystacks, text)
			}
		})
	}
	haystacks = append(haystacks, string(body))

	for _, h := range haystacks {
		idMatch := internalIDPattern.FindStringSubmatch(h)
		uidMatch := sourceUIDPattern.FindStringSubmatch(h)
		if idMatch != nil && uidMatch != nil {
			return Profile{Handle: handle, InternalID: idMatch[1], SourceUID: uidMatch[1]}, nil
		}
	}

	return Profile{}, fmt.Errorf("%w: no identifiers in profile page for %s", domain.ErrUserResolution, handle)
}

func (d *HTTPDirectory) cachePath(handle string) string {
	return filepath.Join(d.cacheDir, "profiles", handle+".json")
}

func (d *HTTPDirectory) cached(handle string) (Profile, bool) {
	if d.cacheDir == "" {
		return Profile{}, false
	}
	raw, err := os.ReadFile(d.cachePath(handle))
	if err != nil {
		return Profile{}, false
	}
	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil || profile.InternalID == "" || profile.SourceUID == "" {
		return Profile{}, false
	}
	profile.Handle = handle
	return profile, true
}

func (d *HTTPDirectory) persist(profile Profile) {
	if d.cacheDir == "" {
		return
	}
	path := d.cachePath(profile.Handle)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, raw, 0o644)
}

// Package cookies imports Client Portal Gateway session cookies from a local
// browser profile, the same way yt-dlp's --cookies-from-browser does.
package cookies

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/browserutils/kooky"
	_ "github.com/browserutils/kooky/browser/all" // register finders for major browsers
)

// ExtractFromBrowser loads cookies for baseURL from the requested browser
// family ("chrome", "chromium", "edge", "brave", "opera", "firefox"). A
// profile path may follow a colon, e.g. "chrome:/home/me/.config/google-chrome/Default".
func ExtractFromBrowser(browser, baseURL string) ([]*http.Cookie, error) {
	host, err := hostOf(baseURL)
	if err != nil {
		return nil, err
	}
	want := normalizeBrowser(browser)
	var wantProfile string
	if i := strings.IndexByte(browser, ':'); i > 0 {
		wantProfile = strings.TrimSpace(browser[i+1:])
	}

	var use []kooky.CookieStore
	for _, s := range kooky.FindAllCookieStores() {
		if normalizeBrowser(s.Browser()) != want {
			_ = s.Close()
			continue
		}
		if wantProfile != "" && !strings.Contains(strings.ToLower(s.FilePath()), strings.ToLower(wantProfile)) {
			_ = s.Close()
			continue
		}
		use = append(use, s)
	}
	if len(use) == 0 {
		return nil, fmt.Errorf("no %s cookie stores found", want)
	}
	out := collect(use, host)
	if len(out) == 0 {
		return nil, fmt.Errorf("no cookies for %q found in %s", host, want)
	}
	return out, nil
}

// ForURL scans every browser store it can find.
func ForURL(baseURL string) ([]*http.Cookie, error) {
	host, err := hostOf(baseURL)
	if err != nil {
		return nil, err
	}
	stores := kooky.FindAllCookieStores()
	if len(stores) == 0 {
		return nil, errors.New("no browser cookie stores found")
	}
	out := collect(stores, host)
	if len(out) == 0 {
		return nil, fmt.Errorf("no cookies for %q found", host)
	}
	return out, nil
}

// collect reads cookies for host from every store (closing them) and drops
// duplicates. Session cookies are kept; gateway auth relies on them.
func collect(stores []kooky.CookieStore, host string) []*http.Cookie {
	var out []*http.Cookie
	seen := map[string]bool{}
	for _, s := range stores {
		cc, _ := s.ReadCookies(kooky.DomainHasSuffix(host))
		_ = s.Close()
		for _, kc := range cc {
			hc := kc.Cookie
			key := dedupeKey(&hc)
			if !seen[key] {
				seen[key] = true
				out = append(out, &hc)
			}
		}
	}
	return out
}

func hostOf(baseURL string) (string, error) {
	if baseURL == "" {
		return "", errors.New("baseURL required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse baseURL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid baseURL host in %q", baseURL)
	}
	return u.Hostname(), nil
}

func normalizeBrowser(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ':'); i > 0 {
		s = s[:i]
	}
	switch s {
	case "google chrome", "chrome":
		return "chrome"
	case "microsoft edge", "edge":
		return "edge"
	case "chromium", "brave", "opera", "firefox":
		return s
	default:
		return "chrome"
	}
}

func dedupeKey(c *http.Cookie) string {
	// domain+path+name scope uniquely identifies a cookie; domains compare case-insensitively
	return strings.ToLower(c.Domain) + "\t" + c.Path + "\t" + c.Name
}

// WriteDump stores cookies in the session file format the gateway client
// loads on Connect.
func WriteDump(path string, cookies []*http.Cookie) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(struct {
		Cookies []*http.Cookie `json:"cookies"`
	}{cookies}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

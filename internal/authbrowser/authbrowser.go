// Package authbrowser drives a real Chrome window through the Client Portal
// Gateway login (including 2FA) and copies the resulting session cookies into
// a Go cookie jar.
package authbrowser

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

var ErrLoginIncomplete = errors.New("browser flow did not reach authenticated:true (finish 2FA, or extend THRESHOLD_TRADER_LOGIN_WAIT_SECONDS)")

type Options struct {
	BaseURL     string        // e.g. https://localhost:5000
	RL          int           // 1=live, 2=paper
	Headless    bool          // false shows the window for 2FA
	Wait        time.Duration // overall timeout; 0 uses loginWait()
	UserDataDir string        // optional Chrome profile dir
	Logger      *slog.Logger  // optional: route chromedp logs to slog
}

func loginWait() time.Duration {
	if s := os.Getenv("THRESHOLD_TRADER_LOGIN_WAIT_SECONDS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 8 * time.Minute
}

// pollGatewayStatus hits /auth/status with jar until authenticated or timeout.
func pollGatewayStatus(ctx context.Context, baseURL string, jar http.CookieJar, timeout, every time.Duration) bool {
	tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} // #nosec G402 local gateway
	httpc := &http.Client{Jar: jar, Transport: tr, Timeout: 8 * time.Second}

	deadline := time.Now().Add(timeout)
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/api/iserver/auth/status", nil)
		if resp, err := httpc.Do(req); err == nil {
			var v struct {
				Authenticated bool `json:"authenticated"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&v)
			resp.Body.Close()
			if v.Authenticated {
				return true
			}
		}
		if time.Now().Add(every).After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(every):
		}
	}
}

// AcquireSession opens the gateway login page, waits for the user to finish
// signing in, then syncs the browser's cookies into jar and confirms the
// session from Go.
func AcquireSession(ctx context.Context, jar *cookiejar.Jar, opts Options) error {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return fmt.Errorf("bad base url: %w", err)
	}
	if opts.RL != 1 && opts.RL != 2 {
		opts.RL = 2 // paper
	}
	wait := opts.Wait
	if wait <= 0 {
		wait = loginWait()
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("allow-insecure-localhost", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("headless", opts.Headless),
	)
	if opts.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}
	actx, acancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer acancel()

	var ctxOpts []chromedp.ContextOption
	if lg := opts.Logger; lg != nil {
		ctxOpts = append(ctxOpts,
			chromedp.WithLogf(func(f string, a ...any) { lg.Debug(fmt.Sprintf(f, a...)) }),
			chromedp.WithErrorf(func(f string, a ...any) { lg.Warn(fmt.Sprintf(f, a...)) }),
		)
	}
	cctx, cancel := chromedp.NewContext(actx, ctxOpts...)
	defer cancel()
	cctx, timeoutCancel := context.WithTimeout(cctx, wait)
	defer timeoutCancel()

	loginURL := fmt.Sprintf("%s/sso/Login?forwardTo=22&RL=%d&ip2loc=on", opts.BaseURL, opts.RL)
	if err := chromedp.Run(cctx, network.Enable(), chromedp.Navigate(loginURL)); err != nil {
		return fmt.Errorf("navigate login: %w", err)
	}

	// Poll auth status from inside the page so the browser's own cookies are used.
	statusJS := fmt.Sprintf(`fetch("%s", {credentials: "include"}).then(r => r.ok ? r.text() : "").catch(() => "")`,
		jsEscape(opts.BaseURL+"/v1/api/iserver/auth/status"))
	for {
		var body string
		_ = chromedp.Run(cctx, chromedp.Evaluate(statusJS, &body, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
		if strings.Contains(strings.ReplaceAll(body, " ", ""), `"authenticated":true`) {
			break
		}
		select {
		case <-cctx.Done():
			return ErrLoginIncomplete
		case <-time.After(3 * time.Second):
		}
	}

	var cks []*network.Cookie
	err = chromedp.Run(cctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cks, err = network.GetCookies().WithUrls([]string{opts.BaseURL}).Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("get cookies: %w", err)
	}
	jar.SetCookies(u, toHTTPCookies(cks))

	if pollGatewayStatus(cctx, opts.BaseURL, jar, 2*time.Minute, 2*time.Second) {
		return nil
	}
	return ErrLoginIncomplete
}

func toHTTPCookies(cks []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cks))
	for _, ck := range cks {
		hc := &http.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HttpOnly: ck.HTTPOnly,
		}
		if ck.Expires > 0 {
			hc.Expires = time.Unix(int64(ck.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}

func jsEscape(s string) string {
	r := strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(r, `"`, `\"`)
}

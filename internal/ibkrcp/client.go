package ibkrcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client is the single brokerage session shared by the price feed and the
// order sink. It talks to a local Client Portal Gateway.
type Client struct {
	baseURL string
	jar     *cookiejar.Jar
	httpc   *http.Client
	logger  *slog.Logger

	sessionPath string
	loadOnce    sync.Once

	mu        sync.Mutex
	acctID    string
	sessionID string
	currency  string
	conids    map[string]int64
}

func NewClient(baseURL, sessionStorePath string, logger *slog.Logger) *Client {
	jar, _ := cookiejar.New(nil)
	// CP Gateway on 127.0.0.1: self-signed cert; allow insecure for local dev
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 local gateway
	}
	httpc := &http.Client{Jar: jar, Transport: tr, Timeout: 15 * time.Second}
	return &Client{
		baseURL:     baseURL,
		jar:         jar,
		httpc:       httpc,
		logger:      logger,
		sessionPath: sessionStorePath,
		conids:      map[string]int64{},
	}
}

type cookieDump struct {
	Cookies []*http.Cookie `json:"cookies"`
}

// loadSession seeds the jar from disk once per process so later reconnects do
// not clobber fresher cookies with the stored ones.
func (c *Client) loadSession() {
	c.loadOnce.Do(c.readSessionFile)
}

func (c *Client) readSessionFile() {
	if c.sessionPath == "" {
		return
	}
	b, err := os.ReadFile(c.sessionPath)
	if err != nil {
		return
	}
	var dump cookieDump
	if err := json.Unmarshal(b, &dump); err != nil {
		c.logger.Warn("ignoring unreadable session file", slog.String("path", c.sessionPath), slog.String("err", err.Error()))
		return
	}
	u, _ := url.Parse(c.baseURL)
	c.jar.SetCookies(u, dump.Cookies)
}

func (c *Client) saveSession() {
	if c.sessionPath == "" {
		return
	}
	u, _ := url.Parse(c.baseURL)
	b, _ := json.MarshalIndent(cookieDump{Cookies: c.jar.Cookies(u)}, "", "  ")
	_ = os.MkdirAll(filepath.Dir(c.sessionPath), fs.ModePerm)
	_ = os.WriteFile(c.sessionPath, b, 0o600)
}

// InjectCookies seeds the jar, e.g. with cookies imported from a browser, and
// persists them to the session file.
func (c *Client) InjectCookies(cookies []*http.Cookie) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return
	}
	c.jar.SetCookies(u, cookies)
	c.saveSession()
}

// SetCurrency restricts ConidForSymbol to contracts traded in cur (e.g. USD).
// Empty accepts any currency.
func (c *Client) SetCurrency(cur string) {
	c.mu.Lock()
	c.currency = strings.ToUpper(strings.TrimSpace(cur))
	c.mu.Unlock()
}

func (c *Client) url(p string) string {
	return c.baseURL + p
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return &StatusError{Path: path, Code: resp.StatusCode, Message: e.Error}
		}
		return &StatusError{Path: path, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// StatusError is a non-200 answer from the gateway.
type StatusError struct {
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Path, e.Code)
}

var ErrNotAuthenticated = errors.New("not authenticated in Client Portal Gateway. Open the Gateway UI and sign in, then retry")

// Connect loads any stored cookies and checks that the gateway brokerage
// session is authenticated. On success the cookies are saved back.
func (c *Client) Connect(ctx context.Context) error {
	c.loadSession()

	var v struct {
		Authenticated bool `json:"authenticated"`
		Connected     bool `json:"connected"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/api/iserver/auth/status", nil, &v); err != nil {
		return err
	}
	if !v.Authenticated {
		return ErrNotAuthenticated
	}
	c.saveSession()
	return nil
}

// Tickle keeps the gateway session alive and returns the session id needed to
// authenticate the WebSocket.
func (c *Client) Tickle(ctx context.Context) (string, error) {
	var v struct {
		Session string `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/api/tickle", nil, &v); err != nil {
		return "", err
	}
	if v.Session != "" {
		c.mu.Lock()
		c.sessionID = v.Session
		c.mu.Unlock()
	}
	return v.Session, nil
}

// SessionID returns the last id seen by Tickle.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetAccountID fetches and caches the first available accountId.
func (c *Client) GetAccountID(ctx context.Context) (string, error) {
	c.mu.Lock()
	acct := c.acctID
	c.mu.Unlock()
	if acct != "" {
		return acct, nil
	}
	var results []struct {
		AccountID string `json:"accountId"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/api/portfolio/accounts", nil, &results); err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", errors.New("no accounts found")
	}
	if results[0].AccountID == "" {
		return "", errors.New("invalid accountId")
	}
	c.mu.Lock()
	c.acctID = results[0].AccountID
	c.mu.Unlock()
	return results[0].AccountID, nil
}

// ConidForSymbol maps a ticker to its stock contract id, picking the first STK
// result of a secdef search whose currency matches the one set with
// SetCurrency. Results are cached.
func (c *Client) ConidForSymbol(ctx context.Context, symbol string) (int64, error) {
	c.mu.Lock()
	if id, ok := c.conids[symbol]; ok {
		c.mu.Unlock()
		return id, nil
	}
	currency := c.currency
	c.mu.Unlock()

	var results []struct {
		Conid    json.Number `json:"conid"`
		Symbol   string      `json:"symbol"`
		Sections []struct {
			SecType string `json:"secType"`
		} `json:"sections"`
		SecType string `json:"secType"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/api/iserver/secdef/search?symbol="+url.QueryEscape(symbol), nil, &results); err != nil {
		return 0, err
	}
	for _, r := range results {
		if !isStock(r.SecType, r.Sections) {
			continue
		}
		id, err := r.Conid.Int64()
		if err != nil || id == 0 {
			continue
		}
		if currency != "" {
			cur, err := c.contractCurrency(ctx, id)
			if err != nil {
				return 0, err
			}
			if cur != currency {
				c.logger.Debug("skipping contract", slog.Int64("conid", id), slog.String("currency", cur))
				continue
			}
		}
		c.mu.Lock()
		c.conids[symbol] = id
		c.mu.Unlock()
		return id, nil
	}
	if currency != "" {
		return 0, fmt.Errorf("no %s STK contract found for %s", currency, symbol)
	}
	return 0, fmt.Errorf("no STK contract found for %s", symbol)
}

func (c *Client) contractCurrency(ctx context.Context, conid int64) (string, error) {
	var v struct {
		Currency string `json:"currency"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/api/iserver/contract/"+strconv.FormatInt(conid, 10)+"/info", nil, &v); err != nil {
		return "", err
	}
	return strings.ToUpper(v.Currency), nil
}

func isStock(secType string, sections []struct {
	SecType string `json:"secType"`
}) bool {
	if secType == "STK" {
		return true
	}
	for _, s := range sections {
		if s.SecType == "STK" {
			return true
		}
	}
	return false
}

func (c *Client) HTTPClient() *http.Client { return c.httpc }
func (c *Client) BaseURL() string          { return c.baseURL }
func (c *Client) Jar() *cookiejar.Jar      { return c.jar }

// Package instagram tracks which followed Instagram accounts are broadcasting live.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

const (
	sessionCookie = "sessionid"
	csrfCookie    = "csrftoken"

	defaultUserAgent = "Instagram 269.0.0.18.75 Android (30/11; 420dpi; 1080x2220; samsung; SM-G973F; beyond1; exynos9820; en_US; 314665256)"
)

var (
	// ErrLoginRequired means Instagram no longer accepts the session.
	ErrLoginRequired = errors.New("instagram login required")
	// ErrNoCredentials means there is neither a usable session file nor a password.
	ErrNoCredentials = errors.New("instagram credentials not configured")
)

// SessionConfig configures a Session.
type SessionConfig struct {
	BaseURL     string
	Username    string
	Password    string
	SessionFile string
	UserAgent   string
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Session owns the authenticated HTTP state of one Instagram account. It is safe
// for concurrent use.
type Session struct {
	cfg     SessionConfig
	baseURL *url.URL
	logger  *slog.Logger

	mu       sync.Mutex
	jar      http.CookieJar
	client   *http.Client
	loggedIn bool
}

// sessionFile is the on-disk session. Both a flat cookie map and the
// "authorization_data" block written by common mobile API clients are accepted.
type sessionFile struct {
	Cookies           map[string]string `json:"cookies"`
	AuthorizationData struct {
		SessionID string `json:"sessionid"`
		DSUserID  string `json:"ds_user_id"`
	} `json:"authorization_data"`
}

// NewSession creates a logged-out session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://i.instagram.com"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid instagram base url: %w", err)
	}

	s := &Session{cfg: cfg, baseURL: base, logger: cfg.Logger}
	if err := s.resetLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) resetLocked() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	s.jar = jar
	s.client = &http.Client{Jar: jar, Timeout: s.cfg.Timeout}
	s.loggedIn = false
	return nil
}

// IsLoggedIn reports whether the session holds a session cookie.
func (s *Session) IsLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// Login restores the session file when it holds a session cookie, and otherwise
// logs in with the password and saves the new session.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored, err := s.loadSessionLocked()
	if err != nil {
		s.logger.Warn("Ignoring unreadable Instagram session file",
			slog.String("path", s.cfg.SessionFile),
			slog.Any("error", err),
		)
	}
	if restored {
		s.logger.Info("Instagram session restored", slog.String("path", s.cfg.SessionFile))
		return nil
	}
	return s.passwordLoginLocked(ctx)
}

// Reauthenticate drops every cookie and logs in with the password. The session
// file is not consulted since it produced the rejected session.
func (s *Session) Reauthenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Re-authenticating Instagram session")
	if err := s.resetLocked(); err != nil {
		return err
	}
	return s.passwordLoginLocked(ctx)
}

func (s *Session) loadSessionLocked() (bool, error) {
	if s.cfg.SessionFile == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.cfg.SessionFile)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read session file: %w", err)
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return false, fmt.Errorf("failed to parse session file: %w", err)
	}

	values := make(map[string]string, len(file.Cookies)+2)
	for name, value := range file.Cookies {
		values[name] = value
	}
	if values[sessionCookie] == "" && file.AuthorizationData.SessionID != "" {
		values[sessionCookie] = file.AuthorizationData.SessionID
		if file.AuthorizationData.DSUserID != "" {
			values["ds_user_id"] = file.AuthorizationData.DSUserID
		}
	}
	if values[sessionCookie] == "" {
		return false, nil
	}

	cookies := make([]*http.Cookie, 0, len(values))
	for name, value := range values {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	s.jar.SetCookies(s.baseURL, cookies)
	s.loggedIn = true
	return true, nil
}

type loginResponse struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	ErrorType    string `json:"error_type"`
	LoggedInUser *struct {
		PK       json.Number `json:"pk"`
		Username string      `json:"username"`
	} `json:"logged_in_user"`
}

func (s *Session) passwordLoginLocked(ctx context.Context) error {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return ErrNoCredentials
	}

	form := url.Values{
		"username":            {s.cfg.Username},
		"enc_password":        {"#PWD_INSTAGRAM:0:" + strconv.FormatInt(time.Now().Unix(), 10) + ":" + s.cfg.Password},
		"login_attempt_count": {"0"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/api/v1/accounts/login/"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.decorateLocked(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("instagram login: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read login response: %w", err)
	}

	var out loginResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode != http.StatusOK || out.Status != "ok" || out.LoggedInUser == nil {
		reason := out.Message
		if out.ErrorType != "" {
			reason = out.ErrorType
		}
		if reason == "" {
			reason = resp.Status
		}
		return fmt.Errorf("instagram login rejected: %s", reason)
	}

	if !s.hasCookieLocked(sessionCookie) {
		return fmt.Errorf("instagram login returned no session cookie")
	}
	s.loggedIn = true
	s.logger.Info("Logged in to Instagram", slog.String("username", out.LoggedInUser.Username))

	if err := s.saveLocked(); err != nil {
		s.logger.Warn("Failed to save Instagram session", slog.Any("error", err))
	}
	return nil
}

func (s *Session) hasCookieLocked(name string) bool {
	for _, c := range s.jar.Cookies(s.baseURL) {
		if c.Name == name && c.Value != "" {
			return true
		}
	}
	return false
}

// SaveSession writes the current cookies to the session file.
func (s *Session) SaveSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Session) saveLocked() error {
	if s.cfg.SessionFile == "" {
		return nil
	}

	file := sessionFile{Cookies: make(map[string]string)}
	for _, c := range s.jar.Cookies(s.baseURL) {
		file.Cookies[c.Name] = c.Value
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if dir := filepath.Dir(s.cfg.SessionFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	tmp := s.cfg.SessionFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.SessionFile); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Get performs an authenticated GET on path relative to the base URL.
func (s *Session) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(path), nil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.decorateLocked(req)
	client := s.client
	s.mu.Unlock()

	return client.Do(req)
}

func (s *Session) endpoint(path string) string {
	return s.baseURL.String() + path
}

func (s *Session) decorateLocked(req *http.Request) {
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("X-IG-App-ID", "567067343352427")
	for _, c := range s.jar.Cookies(s.baseURL) {
		if c.Name == csrfCookie {
			req.Header.Set("X-CSRFToken", c.Value)
		}
	}
}

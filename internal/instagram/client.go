package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrRateLimited means Instagram asked the poller to slow down.
var ErrRateLimited = errors.New("instagram rate limited")

const reelsTrayPath = "/api/v1/feed/reels_tray/"

// Broadcast is an active live broadcast from the reels tray.
type Broadcast struct {
	ID          string
	Username    string
	ViewerCount int
	Title       string
}

// Client reads live broadcasts through a Session.
type Client struct {
	session *Session
}

func NewClient(session *Session) *Client {
	return &Client{session: session}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type reelsTrayResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Broadcasts []struct {
		ID              flexString `json:"id"`
		BroadcastStatus string     `json:"broadcast_status"`
		ViewerCount     float64    `json:"viewer_count"`
		Title           string     `json:"title"`
		Owner           struct {
			Username string `json:"username"`
		} `json:"broadcast_owner"`
	} `json:"broadcasts"`
}

// FetchLive returns the active broadcasts of followed accounts. A rejected session
// yields ErrLoginRequired and throttling yields ErrRateLimited.
func (c *Client) FetchLive(ctx context.Context) ([]Broadcast, error) {
	resp, err := c.session.Get(ctx, reelsTrayPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reels tray: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read reels tray: %w", err)
	}

	var tray reelsTrayResponse
	decodeErr := json.Unmarshal(body, &tray)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrLoginRequired
	case tray.Message == "login_required" || strings.Contains(tray.Message, "challenge_required"):
		return nil, ErrLoginRequired
	case resp.StatusCode == http.StatusTooManyRequests || tray.Message == "Please wait a few minutes before you try again.":
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("reels tray returned %s", resp.Status)
	case decodeErr != nil:
		return nil, fmt.Errorf("failed to decode reels tray: %w", decodeErr)
	}

	var live []Broadcast
	for _, b := range tray.Broadcasts {
		if b.BroadcastStatus != "active" || b.Owner.Username == "" {
			continue
		}
		live = append(live, Broadcast{
			ID:          string(b.ID),
			Username:    strings.TrimPrefix(b.Owner.Username, "@"),
			ViewerCount: int(b.ViewerCount),
			Title:       b.Title,
		})
	}
	return live, nil
}

// Package roomapi fetches room metadata from the REST side of the backend.
package roomapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/roomlink/internal/domain"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenSource yields the current bearer token; an empty token means guest.
type TokenSource interface {
	Load() (string, error)
}

type Client struct {
	base   string
	tokens TokenSource
	http   *http.Client
}

func New(base string, tokens TokenSource, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), tokens: tokens, http: hc}
}

// Summary is a room list entry.
type Summary struct {
	ID           domain.RoomID `json:"id"`
	Title        string        `json:"title"`
	MemberCount  int           `json:"memberCount"`
	SpeakerCount int           `json:"speakerCount"`
	IsLive       bool          `json:"isLive"`
}

// Room returns the metadata of roomID.
func (c *Client) Room(ctx context.Context, roomID domain.RoomID) (domain.Room, error) {
	if roomID == "" {
		return domain.Room{}, ErrRoomNotFound
	}
	var room domain.Room
	if err := c.get(ctx, "/api/rooms/"+url.PathEscape(string(roomID)), &room); err != nil {
		return domain.Room{}, fmt.Errorf("room %s: %w", roomID, err)
	}
	if room.ID == "" {
		room.ID = roomID
	}
	return room, nil
}

// List returns every room the backend knows.
func (c *Client) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	if err := c.get(ctx, "/api/rooms", &out); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Load()
		if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrRoomNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

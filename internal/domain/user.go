// Package domain holds the room, member and message entities shared by the
// client and the relay. Nothing here knows about transports.
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxUsernameLen = 36
	GuestName      = "guest"
	guestPrefix    = "guest-"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDEmpty     = errors.New("user id empty")
)

type UserID string

// IsGuest reports whether the id was minted for an unauthenticated client.
func (id UserID) IsGuest() bool { return strings.HasPrefix(string(id), guestPrefix) }

type User struct {
	ID       UserID `json:"id" validate:"required"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// NewUser mints a user with a random id.
func NewUser(username string) (*User, error) {
	u := &User{ID: UserID(uuid.NewString())}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

// NewGuest builds the placeholder identity of a client that has only a
// session token. The client replaces the name when it joins a room.
func NewGuest(clientToken string) User {
	if clientToken == "" {
		clientToken = uuid.NewString()
	}
	return User{ID: UserID(guestPrefix + clientToken), Username: GuestName}
}

// SetUsername stores the trimmed name. Length is counted in runes.
func (u *User) SetUsername(username string) error {
	name := strings.TrimSpace(username)
	switch {
	case name == "":
		return ErrUsernameEmpty
	case utf8.RuneCountInString(name) > MaxUsernameLen:
		return ErrUsernameTooLong
	}
	u.Username = name
	return nil
}

// Validate reports whether the user carries enough identity to act in a room.
func (u *User) Validate() error {
	if u == nil || u.ID == "" {
		return ErrUserIDEmpty
	}
	return nil
}

package domain

// Member is a listener roster entry as pushed by the server.
type Member struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Speaker is a speaker roster entry. Speakers are tracked independently of
// listeners; a speaker need not appear in the listener roster.
type Speaker struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	MicOpen  bool   `json:"micOpen"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User) Member {
	return Member{ID: user.ID, Username: user.Username, Avatar: user.Avatar}
}

func NewSpeaker(user *User, micOpen bool) Speaker {
	return Speaker{ID: user.ID, Username: user.Username, Avatar: user.Avatar, MicOpen: micOpen}
}

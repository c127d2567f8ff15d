package domain

type RoomID string

type Room struct {
	ID      RoomID `json:"id"`
	Title   string `json:"title"`
	Cover   string `json:"cover,omitempty"`
	IsLive  bool   `json:"isLive"`
	OwnerID UserID `json:"ownerId,omitempty"`
}

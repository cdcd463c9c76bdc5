package models

import "time"

// MaxAcceptedFriends bounds the accepted relations of a single user.
const MaxAcceptedFriends = 20

// FriendStatus is the state of one direction of a friend relation.
type FriendStatus string

const (
	FriendPending  FriendStatus = "pending"
	FriendAccepted FriendStatus = "accepted"
	FriendDeclined FriendStatus = "declined"
)

// Friend is one direction of a friend relation, owned by UserID.
type Friend struct {
	UserID    string       `json:"user_id"`
	FriendID  string       `json:"friend_id"`
	Status    FriendStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

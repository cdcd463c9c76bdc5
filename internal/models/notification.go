package models

import "fmt"

// NotificationType identifies what a notification announces.
type NotificationType string

const (
	NotificationWaffleReceived NotificationType = "waffle_received"
	NotificationVideoUnlocked  NotificationType = "video_unlocked"
	NotificationFriendRequest  NotificationType = "friend_request"
)

// NotificationPayload is the content handed to a push transport.
type NotificationPayload struct {
	Type     NotificationType `json:"type"`
	WaffleID string           `json:"waffle_id,omitempty"`
	FriendID string           `json:"friend_id,omitempty"`
	Title    string           `json:"title"`
	Body     string           `json:"body"`
}

// Notification addresses a payload to one or more users.
type Notification struct {
	To      []string            `json:"to"`
	Payload NotificationPayload `json:"payload"`
}

// WaffleReceivedNotification announces a delivered waffle to its recipient.
func WaffleReceivedNotification(w *Waffle, preview string) Notification {
	body := "Someone sent you a waffle. Open it to reply."
	if preview != "" {
		body = fmt.Sprintf("New waffle: %s", preview)
	}
	return Notification{
		To: []string{w.RecipientID},
		Payload: NotificationPayload{
			Type:     NotificationWaffleReceived,
			WaffleID: w.ID,
			Title:    "You've got a waffle 🧇",
			Body:     body,
		},
	}
}

// VideoUnlockedNotification tells both participants the video is available.
func VideoUnlockedNotification(w *Waffle) Notification {
	return Notification{
		To: []string{w.SenderID, w.RecipientID},
		Payload: NotificationPayload{
			Type:     NotificationVideoUnlocked,
			WaffleID: w.ID,
			Title:    "Video unlocked 🎬",
			Body:     "You both used your replies. The video is ready to watch.",
		},
	}
}

// FriendRequestNotification invites friendID to accept fromID.
func FriendRequestNotification(fromID, fromName, friendID string) Notification {
	name := fromName
	if name == "" {
		name = "Someone"
	}
	return Notification{
		To: []string{friendID},
		Payload: NotificationPayload{
			Type:     NotificationFriendRequest,
			FriendID: fromID,
			Title:    "New friend request",
			Body:     fmt.Sprintf("%s wants to share waffles with you.", name),
		},
	}
}

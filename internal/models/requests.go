package models

// CreateUserRequest is the body of POST /users. A missing id is generated
// and a missing preference gets the onboarding defaults.
type CreateUserRequest struct {
	ID         string              `json:"id,omitempty"`
	Name       string              `json:"name"`
	Email      string              `json:"email,omitempty"`
	Phone      string              `json:"phone,omitempty"`
	Preference *SchedulePreference `json:"preference,omitempty"`
}

// OrderRequest is the body of POST /waffles.
type OrderRequest struct {
	PromptID    string `json:"prompt_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
}

// CustomPromptRequest is the body of POST /prompts/custom.
type CustomPromptRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// ReplyRequest is the body of POST /waffles/{id}/replies.
type ReplyRequest struct {
	AuthorID string `json:"author_id"`
	Text     string `json:"text"`
}

// VideoRequest is the body of POST /waffles/{id}/video.
type VideoRequest struct {
	UserID   string `json:"user_id"`
	VideoURL string `json:"video_url"`
}

// CloseRequest is the body of POST /waffles/{id}/close.
type CloseRequest struct {
	UserID string `json:"user_id"`
}

// FriendInviteRequest is the body of POST /friends/invite.
type FriendInviteRequest struct {
	UserID   string `json:"user_id"`
	FriendID string `json:"friend_id"`
}

// FriendRespondRequest is the body of POST /friends/respond. UserID answers
// the invitation FriendID sent.
type FriendRespondRequest struct {
	UserID   string `json:"user_id"`
	FriendID string `json:"friend_id"`
	Accept   bool   `json:"accept"`
}

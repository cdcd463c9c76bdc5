package models

import (
	"errors"
	"strings"
	"testing"
)

func TestPromptValidate(t *testing.T) {
	tests := []struct {
		name    string
		prompt  Prompt
		wantErr error
	}{
		{"valid catalog prompt", Prompt{Category: CategoryFun, Text: "What made you laugh?"}, nil},
		{"valid custom prompt", Prompt{Category: CategoryCustom, Text: "How was Lisbon?"}, nil},
		{"unknown category", Prompt{Category: "Spicy", Text: "hi"}, ErrInvalidCategory},
		{"empty text", Prompt{Category: CategoryFun, Text: "   "}, ErrEmptyText},
		{"too long", Prompt{Category: CategoryCustom, Text: strings.Repeat("a", MaxPromptTextLength+1)}, ErrTextTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.prompt.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTruncatePreview(t *testing.T) {
	short := "Tell me about your week"
	if got := TruncatePreview(short); got != short {
		t.Errorf("TruncatePreview(%q) = %q, want unchanged", short, got)
	}
	long := strings.Repeat("x", 60)
	got := TruncatePreview(long)
	if got != strings.Repeat("x", PreviewLength)+"..." {
		t.Errorf("TruncatePreview(long) = %q", got)
	}
	exact := strings.Repeat("y", PreviewLength)
	if got := TruncatePreview(exact); got != exact {
		t.Errorf("TruncatePreview(exact) = %q, want no ellipsis", got)
	}
}

func TestQuotaErrorsWrapInvalidTransition(t *testing.T) {
	for _, err := range []error{ErrQuotaExceeded, ErrReplyAfterClose, ErrNotParticipant} {
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%v should wrap ErrInvalidTransition", err)
		}
	}
}

func TestSchedulePreferenceValidate(t *testing.T) {
	tests := []struct {
		name    string
		pref    SchedulePreference
		wantErr error
	}{
		{"defaults", DefaultPreference(), nil},
		{"cadence zero", SchedulePreference{Cadence: 0, WindowStart: "09:00", WindowEnd: "17:00"}, ErrInvalidCadence},
		{"cadence eight", SchedulePreference{Cadence: 8, WindowStart: "09:00", WindowEnd: "17:00"}, ErrInvalidCadence},
		{"equal bounds", SchedulePreference{Cadence: 3, WindowStart: "09:00", WindowEnd: "09:00"}, ErrInvalidWindow},
		{"inverted", SchedulePreference{Cadence: 3, WindowStart: "22:00", WindowEnd: "06:00"}, ErrInvalidWindow},
		{"bad clock", SchedulePreference{Cadence: 3, WindowStart: "9am", WindowEnd: "17:00"}, ErrInvalidWindow},
		{"out of range clock", SchedulePreference{Cadence: 3, WindowStart: "09:00", WindowEnd: "24:30"}, ErrInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pref.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchedulePreferenceBadTimezone(t *testing.T) {
	p := SchedulePreference{Cadence: 2, WindowStart: "08:00", WindowEnd: "10:00", Timezone: "Mars/Olympus"}
	if err := p.Validate(); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("17:45")
	if err != nil {
		t.Fatalf("ParseClock failed: %v", err)
	}
	if d.Hours() != 17.75 {
		t.Errorf("ParseClock(17:45) = %v", d)
	}
}

func TestNotificationsAddressing(t *testing.T) {
	w := NewPendingWaffle("w_1", "prompt_1", "alice", "bob", fixedNow, fixedNow)
	got := WaffleReceivedNotification(w, "Share a recent achievement")
	if len(got.To) != 1 || got.To[0] != "bob" {
		t.Errorf("waffle_received addressed to %v, want [bob]", got.To)
	}
	if got.Payload.Type != NotificationWaffleReceived || got.Payload.WaffleID != "w_1" {
		t.Errorf("unexpected payload %+v", got.Payload)
	}
	v := VideoUnlockedNotification(w)
	if len(v.To) != 2 {
		t.Errorf("video_unlocked addressed to %v, want both participants", v.To)
	}
	f := FriendRequestNotification("alice", "Alice", "bob")
	if f.Payload.FriendID != "alice" || f.To[0] != "bob" {
		t.Errorf("unexpected friend request %+v", f)
	}
}

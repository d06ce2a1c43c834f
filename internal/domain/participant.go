package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxNameLen          = 36
)

var (
	ErrNameTooLong          = errors.New("name too long")
	ErrNameEmpty            = errors.New("name empty")
	ErrParticipantIDInvalid = errors.New("participant id invalid")
)

type ParticipantID string

// NewParticipantID generates a session-scoped identifier for a peer.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func (id ParticipantID) Validate() error {
	if len(id) == 0 || len(id) > MaxParticipantIDLen {
		return ErrParticipantIDInvalid
	}
	// shares the webrtc/ level with per-peer subtrees
	if id == "offers" {
		return ErrParticipantIDInvalid
	}
	for _, r := range id {
		// path separators and firebase-style reserved characters
		switch r {
		case '/', '.', '#', '$', '[', ']':
			return ErrParticipantIDInvalid
		}
	}
	return nil
}

type Role string

const (
	RoleHost     Role = "host"
	RoleListener Role = "listener"
)

// Participant is one roster row. Emoji fields are transient reaction state.
type Participant struct {
	ID             ParticipantID `json:"-"`
	Name           string        `json:"name"`
	Role           Role          `json:"role"`
	Avatar         string        `json:"avatar,omitempty"`
	JoinedAt       int64         `json:"joinedAt"`
	Emoji          string        `json:"emoji,omitempty"`
	EmojiTimestamp int64         `json:"emojiTimestamp,omitempty"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id ParticipantID, name string, role Role, avatar string, now time.Time) (*Participant, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	return &Participant{
		ID:       id,
		Name:     name,
		Role:     role,
		Avatar:   avatar,
		JoinedAt: now.UnixMilli(),
	}, nil
}

// ParticipantView is a roster row as sent to clients, id included.
type ParticipantView struct {
	ID ParticipantID `json:"id"`
	Participant
}

func Views(ps []Participant) []ParticipantView {
	out := make([]ParticipantView, 0, len(ps))
	for _, p := range ps {
		out = append(out, ParticipantView{ID: p.ID, Participant: p})
	}
	return out
}

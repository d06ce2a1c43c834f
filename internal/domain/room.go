// Package domain contains entity without logic, just meta-data
package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

type RoomID string

type RoomStatus string

const (
	RoomPending RoomStatus = "pending"
	RoomLive    RoomStatus = "live"
	RoomEnded   RoomStatus = "ended"
)

// Room is the durable record of one broadcast.
type Room struct {
	ID        RoomID     `json:"roomId"`
	Title     string     `json:"title"`
	HostID    string     `json:"hostId"`
	Status    RoomStatus `json:"status"`
	Approved  bool       `json:"approved"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Joinable reports whether listeners may connect.
func (r *Room) Joinable() bool {
	return r.Approved && r.Status != RoomEnded
}

const (
	roomIDPrefix   = "SKCMP"
	roomCodeLength = 5
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var roomIDPattern = regexp.MustCompile(`^SKCMP-[A-Z0-9]{5}-\d{8}$`)

// NewRoomID returns a shareable id like SKCMP-AB12C-20250101.
func NewRoomID(now time.Time) RoomID {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return RoomID(fmt.Sprintf("%s-%s-%s", roomIDPrefix, code, now.UTC().Format("20060102")))
}

// ParseRoomID normalizes user input and validates the shape.
func ParseRoomID(raw string) (RoomID, error) {
	id := strings.ToUpper(strings.TrimSpace(raw))
	if !roomIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomID, raw)
	}
	return RoomID(id), nil
}

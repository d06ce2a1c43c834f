package domain

import (
	"errors"
	"fmt"
)

// SessionDescription is the {type, sdp} payload of an offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// OfferMessage is written by a listener under webrtc/offers/{pid}.
type OfferMessage struct {
	Offer     SessionDescription `json:"offer"`
	From      ParticipantID      `json:"from"`
	Timestamp int64              `json:"timestamp"`
}

// Candidate is one entry of an ICE candidate list.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid"`
	Timestamp     int64   `json:"timestamp"`
}

var errCandidateMissing = errors.New("candidate string missing")

// Validate rejects payloads that cannot be applied to a peer connection.
func (c Candidate) Validate() error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: %w", ErrStaleMessage, errCandidateMissing)
	}
	if c.SDPMLineIndex == nil && c.SDPMid == nil {
		return fmt.Errorf("%w: candidate has neither sdpMid nor sdpMLineIndex", ErrStaleMessage)
	}
	return nil
}

package session

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Podcast/internal/app/peer"
	"github.com/dkeye/Podcast/internal/domain"
)

// Event is anything the controller reacts to. Store subscriptions,
// transport callbacks, timers and callers all post events; one goroutine
// consumes them.
type Event interface {
	eventName() string
}

type AnswerReceived struct {
	Answer domain.SessionDescription
}

type CandidateReceived struct {
	Key       string
	Candidate domain.Candidate
}

type RosterChanged struct {
	Participants []domain.Participant
}

type StatusChanged struct {
	Status domain.RoomStatus
}

type TransportChanged struct {
	State peer.State
}

type AnswerTimedOut struct{}

type LeaveRequested struct{}

func (AnswerReceived) eventName() string    { return "answer" }
func (CandidateReceived) eventName() string { return "candidate" }
func (RosterChanged) eventName() string     { return "roster" }
func (StatusChanged) eventName() string     { return "status" }
func (TransportChanged) eventName() string  { return "transport" }
func (AnswerTimedOut) eventName() string    { return "answer_timeout" }
func (LeaveRequested) eventName() string    { return "leave" }

func decodeAnswer(raw json.RawMessage) (domain.SessionDescription, error) {
	var desc domain.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("%w: answer: %w", domain.ErrStaleMessage, err)
	}
	return desc, nil
}

func decodeCandidate(raw json.RawMessage) (domain.Candidate, error) {
	var cand domain.Candidate
	if err := json.Unmarshal(raw, &cand); err != nil {
		return cand, fmt.Errorf("%w: candidate: %w", domain.ErrStaleMessage, err)
	}
	return cand, nil
}

func decodeStatus(raw json.RawMessage) (domain.RoomStatus, error) {
	var status domain.RoomStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", fmt.Errorf("%w: status: %w", domain.ErrStaleMessage, err)
	}
	return status, nil
}

package app

import (
	"errors"
	"time"

	"github.com/dkeye/Podcast/internal/domain"
)

type RetryAction int

const (
	GiveUp RetryAction = iota
	Retry
)

// Policy decides what a listener does after a session ended with err.
// attempt counts failures so far, starting at 1.
type Policy interface {
	OnSessionEnd(attempt int, err error) (RetryAction, time.Duration)
}

// SimplePolicy retries transport failures with linear backoff. Everything
// else is terminal.
type SimplePolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func (p SimplePolicy) OnSessionEnd(attempt int, err error) (RetryAction, time.Duration) {
	if !errors.Is(err, domain.ErrTransportFailure) || attempt > p.MaxRetries {
		return GiveUp, 0
	}
	return Retry, time.Duration(attempt) * p.Backoff
}

// Package netutil provides a blocking retry/backoff helper. It is used
// by cmd/erpc-echo to wait for a session to connect; the engine itself
// does not use it (session-management retries use
// sessionmgmt.RetryBudget, and RTO doubling is done inline in package
// rpc).
//
// Adapted from the teacher's internal/netutil/retrier.go: each attempt
// still runs on its own goroutine and reports over a channel, but Do
// blocks its caller until the retry loop ends. A maxInterval cap is
// added so an exponential backoff can be bounded.
package netutil

import (
	"errors"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("netutil")

// ErrThresholdReached is returned once a Retrier gives up after its
// configured threshold elapses without a successful attempt.
var ErrThresholdReached = errors.New("netutil: retry threshold reached")

// RetryFunc is one retry attempt.
type RetryFunc func() error

// Retrier retries a function on a growing interval until it succeeds,
// an error is whitelisted (treated as terminal), or a total threshold
// duration elapses. A factor of 1 yields fixed-interval retry.
type Retrier struct {
	backoff      time.Duration
	factor       uint32
	threshold    time.Duration
	maxInterval  time.Duration
	errWhitelist map[error]struct{}
}

// NewRetrier constructs a Retrier with no interval cap.
func NewRetrier(backoff, threshold time.Duration, factor uint32) *Retrier {
	return &Retrier{
		backoff:      backoff,
		threshold:    threshold,
		factor:       factor,
		errWhitelist: make(map[error]struct{}),
	}
}

// WithMaxInterval caps the growth of the retry interval, giving the
// same doubled-up-to-a-cap shape as RTO backoff.
func (r *Retrier) WithMaxInterval(d time.Duration) *Retrier {
	r.maxInterval = d
	return r
}

// WithErrWhitelist marks errors that should abort retrying immediately
// and be returned to the caller instead of being retried.
func (r *Retrier) WithErrWhitelist(errs ...error) *Retrier {
	m := make(map[error]struct{}, len(errs))
	for _, err := range errs {
		m[err] = struct{}{}
	}
	r.errWhitelist = m
	return r
}

// Do runs f, retrying on a growing interval until it succeeds, an
// error is whitelisted, or the threshold elapses.
func (r *Retrier) Do(f RetryFunc) error {
	var err error
	var backoff <-chan time.Time
	var doneCh <-chan time.Time

	current := r.backoff

	errCh := make(chan error, 1)
	go func() { errCh <- f() }()

	for {
		select {
		case <-doneCh:
			return ErrThresholdReached
		case <-backoff:
			go func() { errCh <- f() }()
		case err = <-errCh:
			if err == nil {
				return nil
			}
			if r.isWhitelisted(err) {
				return err
			}
			log.Warnf("retrying after error: %v", err)

			backoff = time.After(current)
			if r.factor > 1 {
				current *= time.Duration(r.factor)
				if r.maxInterval > 0 && current > r.maxInterval {
					current = r.maxInterval
				}
			}
			if doneCh == nil {
				doneCh = time.After(r.threshold)
			}
		}
	}
}

func (r *Retrier) isWhitelisted(err error) bool {
	_, ok := r.errWhitelist[err]
	return ok
}

package mapsync

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

type ReconnectBackOffSettings struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

func DefaultReconnectBackOffSettings() *ReconnectBackOffSettings {
	return &ReconnectBackOffSettings{
		Base:   100 * time.Millisecond,
		Cap:    64 * time.Second,
		Jitter: 500 * time.Millisecond,
	}
}

// ReconnectBackOff counts consecutive connection errors.
// The first error retries immediately, after that the delay is
// `min(2^errors * base + rand * jitter, cap)`.
type ReconnectBackOff struct {
	stateLock sync.Mutex
	errors    int
	settings  *ReconnectBackOffSettings
}

var _ backoff.BackOff = (*ReconnectBackOff)(nil)

func NewReconnectBackOffWithDefaults() *ReconnectBackOff {
	return NewReconnectBackOff(DefaultReconnectBackOffSettings())
}

func NewReconnectBackOff(settings *ReconnectBackOffSettings) *ReconnectBackOff {
	return &ReconnectBackOff{
		settings: settings,
	}
}

func (self *ReconnectBackOff) NextBackOff() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.errors += 1
	if self.errors <= 1 {
		return 0
	}
	// avoid overflow, the cap is reached long before
	shift := min(self.errors, 30)
	delay := time.Duration(1<<shift) * self.settings.Base
	if 0 < self.settings.Jitter {
		delay += time.Duration(mathrand.Int63n(int64(self.settings.Jitter)))
	}
	if delay < 0 || self.settings.Cap < delay {
		delay = self.settings.Cap
	}
	return delay
}

// Reset is called after a connection has stayed up for the success window,
// or when the user asks to reconnect
func (self *ReconnectBackOff) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.errors = 0
}

func (self *ReconnectBackOff) Errors() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.errors
}

// connectBackOff is the dial retry policy of one connect attempt. It shares
// the error count with the reconnect backoff. Reset is a no-op since only a
// connection that stays up resets the count.
type connectBackOff struct {
	reconnect *ReconnectBackOff
}

var _ backoff.BackOff = (*connectBackOff)(nil)

func (self *connectBackOff) NextBackOff() time.Duration {
	return self.reconnect.NextBackOff()
}

func (self *connectBackOff) Reset() {
}

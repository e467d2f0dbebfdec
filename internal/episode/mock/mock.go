// Package mock provides a recording implementation of [episode.Pacer] for use
// in unit tests.
//
// Example:
//
//	p := &mock.Pacer{}
//	c := episode.New(bus, p)
//	_ = c.Begin(ctx, sig)
//	if p.Pauses() != 1 { ... }
package mock

import (
	"sync"

	"github.com/MrWong99/stagecraft/internal/episode"
)

// Compile-time interface assertion.
var _ episode.Pacer = (*Pacer)(nil)

// Pacer is a mock implementation of [episode.Pacer]. It is safe for
// concurrent use.
type Pacer struct {
	mu      sync.Mutex
	pauses  int
	resumes int

	// OnResume, if set, is called after every Resume is recorded.
	OnResume func()
}

// Pause implements [episode.Pacer].
func (p *Pacer) Pause() {
	p.mu.Lock()
	p.pauses++
	p.mu.Unlock()
}

// Resume implements [episode.Pacer].
func (p *Pacer) Resume() {
	p.mu.Lock()
	p.resumes++
	fn := p.OnResume
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Pauses returns the number of Pause calls.
func (p *Pacer) Pauses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauses
}

// Resumes returns the number of Resume calls.
func (p *Pacer) Resumes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumes
}

// Package session keeps short-lived per-actor state.
//
// Impersonations live in process memory only. Two tf processes, or a
// restart, do not share them.
package session

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL      = 30 * time.Minute
	DefaultCapacity = 1024
)

// Impersonations maps a real actor to the actor it is acting as. Entries
// expire after ttl; the least recently used entry is evicted when the
// store is full.
type Impersonations struct {
	cache *expirable.LRU[string, string]
}

func NewImpersonations(capacity int, ttl time.Duration) *Impersonations {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Impersonations{cache: expirable.NewLRU[string, string](capacity, nil, ttl)}
}

// Start makes realActor act as asActor until Stop or expiry. Acting as
// oneself clears any impersonation.
func (s *Impersonations) Start(realActor, asActor string) {
	realActor, asActor = strings.TrimSpace(realActor), strings.TrimSpace(asActor)
	if realActor == "" {
		return
	}
	if asActor == "" || asActor == realActor {
		s.cache.Remove(realActor)
		return
	}
	s.cache.Add(realActor, asActor)
}

func (s *Impersonations) Stop(realActor string) {
	s.cache.Remove(strings.TrimSpace(realActor))
}

// Effective returns the actor whose roles apply to actor's requests.
func (s *Impersonations) Effective(actor string) string {
	if s == nil {
		return actor
	}
	if as, ok := s.cache.Get(actor); ok {
		return as
	}
	return actor
}

func (s *Impersonations) Len() int { return s.cache.Len() }

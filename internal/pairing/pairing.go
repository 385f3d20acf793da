// Package pairing manages short-lived numeric pairing codes that bind an
// issuer identity (a phone number) to a device at registration time.
package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

// CodeLength is the number of digits in a pairing code.
const CodeLength = 4

// Store holds outstanding pairing codes. Each code maps to exactly one
// identity, each identity holds at most one outstanding code, and a code is
// consumed by the first successful Claim.
type Store struct {
	mu         sync.Mutex
	byCode     map[string]entry
	byIdentity map[string]string // identity -> outstanding code

	ttl    time.Duration
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

type entry struct {
	identity string
	issuedAt time.Time
}

// New creates a Store whose codes expire after ttl.
func New(ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byCode:     make(map[string]entry),
		byIdentity: make(map[string]string),
		ttl:        ttl,
		logger:     logger.With("component", "pairing"),
		now:        time.Now,
	}
}

// Issue generates a fresh code for identity. Any outstanding code for the
// same identity is invalidated first, so at most one code per identity is
// live at a time.
func (s *Store) Issue(identity string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byIdentity[identity]; ok {
		delete(s.byCode, old)
		delete(s.byIdentity, identity)
	}

	// Codes are short, so collisions with other identities' live codes are
	// possible; retry until a free one comes up.
	for range [16]struct{}{} {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.byCode[code]; taken {
			continue
		}
		s.byCode[code] = entry{identity: identity, issuedAt: s.now()}
		s.byIdentity[identity] = code
		return code, nil
	}
	return "", fmt.Errorf("issue pairing code: no free code after retries")
}

// Claim consumes code and returns the identity it was issued for. A code can
// be claimed at most once: the first caller wins, all later callers get
// ok=false. Expired codes cannot be claimed.
func (s *Store) Claim(code string) (identity string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.byCode[code]
	if !found {
		return "", false
	}
	delete(s.byCode, code)
	delete(s.byIdentity, e.identity)

	if s.ttl > 0 && s.now().Sub(e.issuedAt) > s.ttl {
		return "", false
	}
	return e.identity, true
}

// Outstanding reports whether identity currently has a live code.
func (s *Store) Outstanding(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.byIdentity[identity]
	if !ok {
		return false
	}
	e := s.byCode[code]
	if s.ttl > 0 && s.now().Sub(e.issuedAt) > s.ttl {
		return false
	}
	return true
}

// sweep removes expired codes and returns how many were dropped.
func (s *Store) sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	n := 0
	for code, e := range s.byCode {
		if e.issuedAt.Before(cutoff) {
			delete(s.byCode, code)
			delete(s.byIdentity, e.identity)
			n++
		}
	}
	return n
}

// StartSweeper launches a goroutine that periodically drops expired codes.
// It stops when ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					s.logger.Debug("swept expired pairing codes", "count", n)
				}
			}
		}
	}()
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for range [CodeLength]struct{}{} {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n), nil
}

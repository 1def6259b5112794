package ledger

import (
	"time"
)

// AcquireEntryLock claims a symbol for one strategy's entry. The lock is
// re-entrant for its owner and expires at the TTL; a held lock reports the
// current owner and expiry so callers can defer with a retry hint.
func (s *Service) AcquireEntryLock(symbol, strategyID string, ttl time.Duration) (ok bool, owner string, until time.Time) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.stateLocked(symbol)
	if ps.pos.EntryLockOwner != "" && ps.pos.EntryLockOwner != strategyID &&
		ps.pos.EntryLockUntil != nil && now.Before(*ps.pos.EntryLockUntil) {
		return false, ps.pos.EntryLockOwner, *ps.pos.EntryLockUntil
	}

	expiry := now.Add(ttl)
	ps.pos.EntryLockOwner = strategyID
	ps.pos.EntryLockUntil = &expiry
	ps.pos.UpdatedAt = now
	s.persistPosition(ps.pos)
	return true, strategyID, expiry
}

// ReleaseEntryLock drops the lock if the strategy still owns it. Locks held
// past their TTL are also cleared regardless of owner.
func (s *Service) ReleaseEntryLock(symbol, strategyID string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.positions[symbol]
	if !ok {
		return
	}
	expired := ps.pos.EntryLockUntil != nil && now.After(*ps.pos.EntryLockUntil)
	if ps.pos.EntryLockOwner != strategyID && !expired {
		return
	}
	ps.pos.EntryLockOwner = ""
	ps.pos.EntryLockUntil = nil
	ps.pos.UpdatedAt = now
	s.persistPosition(ps.pos)
}

// ExpireEntryLocks clears locks whose TTL has passed. Called by the
// reconciliation loop.
func (s *Service) ExpireEntryLocks(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, ps := range s.positions {
		if ps.pos.EntryLockOwner != "" && ps.pos.EntryLockUntil != nil && now.After(*ps.pos.EntryLockUntil) {
			s.logger.Info().
				Str("symbol", ps.pos.Symbol).
				Str("owner", ps.pos.EntryLockOwner).
				Msg("entry lock expired")
			ps.pos.EntryLockOwner = ""
			ps.pos.EntryLockUntil = nil
			ps.pos.UpdatedAt = now
			s.persistPosition(ps.pos)
			expired++
		}
	}
	return expired
}

// Freeze blocks new entries in a symbol; open exits still work.
func (s *Service) Freeze(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.stateLocked(symbol)
	if !ps.pos.Frozen {
		ps.pos.Frozen = true
		ps.pos.UpdatedAt = time.Now()
		s.persistPosition(ps.pos)
	}
}

func (s *Service) Unfreeze(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.positions[symbol]
	if !ok || !ps.pos.Frozen {
		return
	}
	ps.pos.Frozen = false
	ps.pos.UpdatedAt = time.Now()
	s.persistPosition(ps.pos)
}

// SetVICooldown blocks entries in a symbol until the given time, used after
// a volatility interruption on the venue.
func (s *Service) SetVICooldown(symbol string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.stateLocked(symbol)
	ps.pos.VICooldownUntil = &until
	ps.pos.UpdatedAt = time.Now()
	s.persistPosition(ps.pos)
}

package voting

import (
	"fmt"
	"strings"
)

// Kind distinguishes regular votes from votes backed by purchase proof.
type Kind string

const (
	KindRegular  Kind = "regular"
	KindVerified Kind = "verified"
)

// ParseKind normalises a wire value into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KindRegular:
		return KindRegular, nil
	case KindVerified:
		return KindVerified, nil
	default:
		return "", fmt.Errorf("voting: unknown vote kind %q", raw)
	}
}

// Schedule captures the per-slot reward curve.
type Schedule struct {
	// DailyCap is the number of rewarded votes per (voter, vendor, day).
	DailyCap int
	// Base is the reward for the first slot of the day.
	Base int64
	// Step is added for every subsequent slot.
	Step int64
	// VerifiedMultiplier scales the reward of verified votes.
	VerifiedMultiplier int64
}

// DefaultSchedule pays 10/15/20 token units for the three daily slots and
// triples verified votes.
func DefaultSchedule() Schedule {
	return Schedule{DailyCap: 3, Base: 10, Step: 5, VerifiedMultiplier: 3}
}

// Validate reports whether the schedule is usable.
func (s Schedule) Validate() error {
	if s.DailyCap <= 0 {
		return fmt.Errorf("voting: daily cap must be positive")
	}
	if s.Base <= 0 {
		return fmt.Errorf("voting: base reward must be positive")
	}
	if s.Step < 0 {
		return fmt.Errorf("voting: reward step must not be negative")
	}
	if s.VerifiedMultiplier < 1 {
		return fmt.Errorf("voting: verified multiplier must be at least 1")
	}
	return nil
}

// Multiplier returns the factor applied to a vote of the given kind.
func (s Schedule) Multiplier(kind Kind) int64 {
	if kind == KindVerified {
		return s.VerifiedMultiplier
	}
	return 1
}

// Reward computes the token units earned by the slot-th vote of the day.
// Slots are 1-based and must not exceed the daily cap.
func (s Schedule) Reward(slot int, kind Kind) (int64, error) {
	if slot < 1 || slot > s.DailyCap {
		return 0, fmt.Errorf("voting: slot %d outside 1..%d", slot, s.DailyCap)
	}
	base := s.Base + int64(slot-1)*s.Step
	return base * s.Multiplier(kind), nil
}

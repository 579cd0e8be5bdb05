// Package decay recomputes chunk strength from elapsed ticks and maps
// strength onto lifecycle tiers. Decay only ever demotes; reinforcement
// is the single path back up.
package decay

import (
	"math"

	"github.com/engramkit/engram/internal/store"
)

// PinnedFloor is the strength below which decay never takes a pinned chunk.
const PinnedFloor = 0.5

// Config tunes decay and reinforcement.
type Config struct {
	// Interval is the minimum tick gap between decay passes.
	Interval store.Tick
	// WarmBelow, CoolBelow, ColdBelow are the tier demotion thresholds.
	WarmBelow float64
	CoolBelow float64
	ColdBelow float64
	// ArchiveBelow is the lowest tier threshold; validation keeps it below
	// ColdBelow. Maintenance picks archive candidates by its own archive
	// weight threshold, not by this value.
	ArchiveBelow float64
	// StrengthenAmount is added on a successful-use event.
	StrengthenAmount float64
	// WeakenAmount is subtracted on a confirmed contradiction.
	WeakenAmount float64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:         5,
		WarmBelow:        0.75,
		CoolBelow:        0.45,
		ColdBelow:        0.20,
		ArchiveBelow:     0.08,
		StrengthenAmount: 0.15,
		WeakenAmount:     0.2,
	}
}

// Strength evaluates the chunk's decay curve at the given tick and clamps
// to [0,1], with the pinned floor applied.
func Strength(c *store.Chunk, now store.Tick) float64 {
	delta := float64(now - c.LastSignalTick())
	if delta < 0 {
		delta = 0
	}

	var s float64
	switch c.DecayFunction {
	case store.DecayExponential:
		s = c.InitialStrength * math.Exp(-c.DecayRate*delta)
	case store.DecayLinear:
		s = math.Max(0, c.InitialStrength-c.DecayRate*delta)
	case store.DecayPowerLaw:
		s = c.InitialStrength * math.Pow(1+delta, -c.DecayRate)
	default: // none
		s = c.InitialStrength
	}

	s = math.Max(0, math.Min(1, s))
	if c.Pinned && s < PinnedFloor {
		s = PinnedFloor
	}
	return s
}

// TierFor maps a strength onto its natural tier.
func (cfg Config) TierFor(strength float64) store.Status {
	switch {
	case strength >= cfg.WarmBelow:
		return store.StatusActive
	case strength >= cfg.CoolBelow:
		return store.StatusWarm
	case strength >= cfg.ColdBelow:
		return store.StatusCool
	default:
		return store.StatusCold
	}
}

// DemotedStatus returns the chunk's status after a decay pass: the colder
// of its current status and the tier its new strength implies. Status
// never rises during decay. Pinned chunks stay within active/warm.
func (cfg Config) DemotedStatus(current store.Status, strength float64, pinned bool) store.Status {
	if current == store.StatusArchived || current == store.StatusTombstone {
		return current
	}
	next := current.Colder(cfg.TierFor(strength))
	if pinned && next.Rank() > store.StatusWarm.Rank() {
		next = store.StatusWarm
	}
	return next
}

// PromotedStatus returns the status after reinforcement: one tier up when
// the new strength crosses that tier's threshold.
func (cfg Config) PromotedStatus(current store.Status, strength float64) store.Status {
	var up store.Status
	switch current {
	case store.StatusWarm:
		up = store.StatusActive
	case store.StatusCool:
		up = store.StatusWarm
	case store.StatusCold:
		up = store.StatusCool
	default:
		return current
	}
	if cfg.TierFor(strength).Rank() <= up.Rank() {
		return up
	}
	return current
}

// Reinforce applies a successful-use event to the chunk in place.
func (cfg Config) Reinforce(c *store.Chunk, now store.Tick) {
	c.CurrentStrength = math.Min(1, c.CurrentStrength+cfg.StrengthenAmount)
	c.SuccessfulUses++
	t := now
	c.TickLastUseful = &t
	c.Status = cfg.PromotedStatus(c.Status, c.CurrentStrength)
}

// Weaken applies a confirmed-contradiction event to the chunk in place.
func (cfg Config) Weaken(c *store.Chunk, now store.Tick) {
	c.CurrentStrength = math.Max(0, c.CurrentStrength-cfg.WeakenAmount)
	if c.Pinned && c.CurrentStrength < PinnedFloor {
		c.CurrentStrength = PinnedFloor
	}
	c.Status = cfg.DemotedStatus(c.Status, c.CurrentStrength, c.Pinned)
}

// PassDue reports whether enough ticks have elapsed for a decay pass.
func (cfg Config) PassDue(current, lastDecay store.Tick) bool {
	return current-lastDecay >= cfg.Interval
}

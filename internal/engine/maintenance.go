package engine

import (
	"context"
	"log/slog"
	"sort"

	"github.com/engramkit/engram/internal/store"
)

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	Ran          bool
	Consolidated int
	Archived     int
	Compacted    int
}

// MaintenanceTick runs consolidation, archival, and tombstone compaction
// when the configured interval has elapsed. Failures leave the cursor
// where it was so the next pass retries.
func (e *Engine) MaintenanceTick(ctx context.Context, projectID string) (*MaintenanceReport, error) {
	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	report := &MaintenanceReport{}
	if p.CurrentTick-p.LastConsolidationTick < store.Tick(e.maint.IntervalTicks) {
		return report, nil
	}
	report.Ran = true

	if report.Consolidated, err = e.consolidate(ctx, projectID, p.CurrentTick); err != nil {
		e.logger.Warn("consolidation_failed",
			slog.String("project", projectID), slog.String("error", err.Error()))
		return report, err
	}
	if report.Archived, err = e.archiveCold(ctx, projectID, p.CurrentTick); err != nil {
		e.logger.Warn("archival_failed",
			slog.String("project", projectID), slog.String("error", err.Error()))
		return report, err
	}

	grace := store.Tick(e.maint.TombstoneGraceTicks)
	if report.Compacted, err = e.store.CompactTombstones(ctx, projectID, p.CurrentTick-grace); err != nil {
		return report, err
	}

	if err := e.store.SetConsolidationTick(ctx, projectID, p.CurrentTick); err != nil {
		return report, err
	}
	e.logger.Info("maintenance_pass_complete",
		slog.String("project", projectID),
		slog.Int("consolidated", report.Consolidated),
		slog.Int("archived", report.Archived),
		slog.Int("compacted", report.Compacted))
	return report, nil
}

// consolidate supersedes near-duplicates: pairs above the cosine
// threshold with overlapping tag sets keep the stronger chunk. Ordering
// and tie-breaks are deterministic.
func (e *Engine) consolidate(ctx context.Context, projectID string, now store.Tick) (int, error) {
	chunks, err := e.store.ScanProject(ctx, projectID, store.ScanFilter{Statuses: []store.Status{
		store.StatusActive, store.StatusWarm, store.StatusCool, store.StatusCold,
	}})
	if err != nil {
		return 0, err
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })

	superseded := make(map[string]struct{})
	count := 0
	for i := 0; i < len(chunks); i++ {
		for j := i + 1; j < len(chunks); j++ {
			a, b := chunks[i], chunks[j]
			if a.SupersededBy != "" || b.SupersededBy != "" {
				continue
			}
			if _, done := superseded[a.ID]; done {
				break
			}
			if _, done := superseded[b.ID]; done {
				continue
			}
			if !tagsOverlap(a.Tags, b.Tags) {
				continue
			}
			cos, ok := e.index.Similarity(projectID, a.ID, b.ID)
			if !ok || cos < e.maint.ConsolidateThreshold {
				continue
			}

			winner, loser := pickConsolidationWinner(a, b)
			if err := e.store.Supersede(ctx, loser, winner.ID, now); err != nil {
				return count, err
			}
			superseded[loser.ID] = struct{}{}
			count++
		}
	}
	return count, nil
}

// pickConsolidationWinner keeps the chunk with higher strength, then more
// successful uses, then later creation, then smaller identity.
func pickConsolidationWinner(a, b *store.Chunk) (winner, loser *store.Chunk) {
	switch {
	case a.CurrentStrength != b.CurrentStrength:
		if a.CurrentStrength > b.CurrentStrength {
			return a, b
		}
		return b, a
	case a.SuccessfulUses != b.SuccessfulUses:
		if a.SuccessfulUses > b.SuccessfulUses {
			return a, b
		}
		return b, a
	case a.TickCreated != b.TickCreated:
		if a.TickCreated > b.TickCreated {
			return a, b
		}
		return b, a
	default:
		if a.ID < b.ID {
			return a, b
		}
		return b, a
	}
}

// archiveCold archives chunks that are cold and stale, or decayed below
// the archive weight threshold, then drops them from the vector index.
func (e *Engine) archiveCold(ctx context.Context, projectID string, now store.Tick) (int, error) {
	chunks, err := e.store.ScanProject(ctx, projectID, store.ScanFilter{Statuses: []store.Status{
		store.StatusActive, store.StatusWarm, store.StatusCool, store.StatusCold,
	}})
	if err != nil {
		return 0, err
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })

	count := 0
	for _, c := range chunks {
		if c.Pinned || !e.shouldArchive(c, now) {
			continue
		}
		rec := &store.ArchiveRecord{
			ID:            c.ID,
			ProjectID:     projectID,
			Summary:       summarize(c.Payload),
			ContentHash:   c.ContentHash,
			Kind:          c.Kind,
			Tags:          c.Tags,
			Learning:      c.Learning,
			TickCreated:   c.TickCreated,
			TickArchived:  now,
			FinalStrength: c.CurrentStrength,
		}
		if err := e.store.ArchiveChunk(ctx, rec, now); err != nil {
			return count, err
		}
		e.index.Remove(projectID, c.ID)
		count++
	}
	return count, nil
}

func (e *Engine) shouldArchive(c *store.Chunk, now store.Tick) bool {
	if c.CurrentStrength < e.maint.ArchiveWeightThreshold {
		return true
	}
	if c.Status != store.StatusCold {
		return false
	}
	last := c.TickCreated
	if c.TickLastAccessed != nil {
		last = *c.TickLastAccessed
	}
	return now-last > store.Tick(e.maint.ArchiveAgeTicks)
}

// summarize keeps the leading slice of the payload as the archive
// summary.
func summarize(payload string) string {
	const maxRunes = 240
	runes := []rune(payload)
	if len(runes) <= maxRunes {
		return payload
	}
	return string(runes[:maxRunes]) + "…"
}

func tagsOverlap(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

package resolver

import (
	"sort"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

type group struct {
	key     string
	members []engine.SeriesRecord
}

// Merge deduplicates tiered search results into canonical entries. Grouping
// keys on normalized titles at or above the similarity threshold; within a
// group the survivor is the member with the highest confidence, ties broken
// by higher tier, then by metadata completeness. Remaining members become
// cross-references. The operation is deterministic and idempotent for any
// input order.
func Merge(records []engine.SeriesRecord, threshold float64) []engine.CanonicalEntry {
	sorted := append([]engine.SeriesRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Indexer != b.Indexer {
			return a.Indexer < b.Indexer
		}
		return a.SourceID < b.SourceID
	})

	var groups []*group
	for _, record := range sorted {
		norm := NormalizeTitle(record.Title)
		matched := false
		for _, g := range groups {
			if norm == g.key || Similarity(norm, g.key) >= threshold {
				g.members = append(g.members, record)
				matched = true
				break
			}
		}
		if !matched {
			groups = append(groups, &group{key: norm, members: []engine.SeriesRecord{record}})
		}
	}

	entries := make([]engine.CanonicalEntry, 0, len(groups))
	for _, g := range groups {
		entries = append(entries, collapse(g))
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.SourceTier != b.SourceTier {
			return a.SourceTier < b.SourceTier
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Title < b.Title
	})
	return entries
}

// collapse picks the group's survivor and turns the rest into cross-refs.
func collapse(g *group) engine.CanonicalEntry {
	survivor := g.members[0]
	for _, m := range g.members[1:] {
		if better(m, survivor) {
			survivor = m
		}
	}

	entry := toEntry(survivor)
	survivorNorm := NormalizeTitle(survivor.Title)
	for _, m := range g.members {
		if m.Indexer == survivor.Indexer && m.SourceID == survivor.SourceID {
			continue
		}
		method := engine.MatchFuzzyTitle
		if NormalizeTitle(m.Title) == survivorNorm {
			method = engine.MatchExactTitle
		}
		entry.CrossRefs = append(entry.CrossRefs, engine.CrossReference{
			Indexer:    m.Indexer,
			SourceID:   m.SourceID,
			Tier:       m.Tier,
			Confidence: m.Confidence,
			Method:     method,
		})
	}
	sortCrossRefs(entry.CrossRefs)
	return entry
}

func sortCrossRefs(refs []engine.CrossReference) {
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Indexer != b.Indexer {
			return a.Indexer < b.Indexer
		}
		return a.SourceID < b.SourceID
	})
}

// better reports whether candidate beats current under the survivor rules.
func better(candidate, current engine.SeriesRecord) bool {
	if candidate.Confidence != current.Confidence {
		return candidate.Confidence > current.Confidence
	}
	if candidate.Tier != current.Tier {
		return candidate.Tier < current.Tier
	}
	cc, cu := Completeness(candidate), Completeness(current)
	if cc != cu {
		return cc > cu
	}
	// Stable, arbitrary final tie-break.
	if candidate.Indexer != current.Indexer {
		return candidate.Indexer < current.Indexer
	}
	return candidate.SourceID < current.SourceID
}

// Completeness is the fraction of optional metadata fields a record fills.
func Completeness(r engine.SeriesRecord) float64 {
	total := 0
	filled := 0
	count := func(ok bool) {
		total++
		if ok {
			filled++
		}
	}
	count(len(r.AltTitles) > 0)
	count(r.Description != "")
	count(r.CoverURL != "")
	count(r.Type != "")
	count(r.PubStatus != "")
	count(r.Year != 0)
	count(r.ContentRating != "")
	count(len(r.Genres) > 0)
	count(len(r.Tags) > 0)
	count(len(r.Themes) > 0)
	count(len(r.Authors) > 0)
	count(len(r.Artists) > 0)
	count(len(r.Publishers) > 0)
	count(r.Rating != 0)
	count(r.ChapterCount != 0)
	return float64(filled) / float64(total)
}

func toEntry(r engine.SeriesRecord) engine.CanonicalEntry {
	return engine.CanonicalEntry{
		Indexer:          r.Indexer,
		SourceID:         r.SourceID,
		Title:            r.Title,
		AltTitles:        r.AltTitles,
		Description:      r.Description,
		CoverURL:         r.CoverURL,
		Type:             r.Type,
		PubStatus:        r.PubStatus,
		Year:             r.Year,
		ContentRating:    r.ContentRating,
		Genres:           r.Genres,
		Tags:             r.Tags,
		Themes:           r.Themes,
		Authors:          r.Authors,
		Artists:          r.Artists,
		Publishers:       r.Publishers,
		Rating:           r.Rating,
		RatingCount:      r.RatingCount,
		Follows:          r.Follows,
		ChapterCount:     r.ChapterCount,
		Confidence:       r.Confidence,
		DataCompleteness: Completeness(r),
		SourceTier:       r.Tier,
	}
}

package category

import (
	"sort"

	"github.com/eliteGoblin/focusd/rethink/internal/domain"
)

// Stat is the usage total for one category.
type Stat struct {
	Category   Category             `json:"category"`
	TotalMs    int64                `json:"total_ms"`
	AppCount   int                  `json:"app_count"`
	Percentage float64              `json:"percentage"`
	TopApps    []domain.UsageRecord `json:"top_apps"`
}

// Stats groups records by category, largest first. topN caps TopApps per category.
func Stats(records []domain.UsageRecord, c Classifier, topN int) []Stat {
	byCat := make(map[Category]*Stat)
	var grand int64
	for _, r := range records {
		cat := c.Classify(r.PackageName)
		s, ok := byCat[cat]
		if !ok {
			s = &Stat{Category: cat}
			byCat[cat] = s
		}
		s.TotalMs += r.TotalForegroundMs
		s.AppCount++
		s.TopApps = append(s.TopApps, r)
		grand += r.TotalForegroundMs
	}

	out := make([]Stat, 0, len(byCat))
	for _, s := range byCat {
		if grand > 0 {
			s.Percentage = float64(s.TotalMs) / float64(grand) * 100
		}
		sort.SliceStable(s.TopApps, func(i, j int) bool {
			return s.TopApps[i].TotalForegroundMs > s.TopApps[j].TotalForegroundMs
		})
		if topN > 0 && len(s.TopApps) > topN {
			s.TopApps = s.TopApps[:topN]
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalMs != out[j].TotalMs {
			return out[i].TotalMs > out[j].TotalMs
		}
		return out[i].Category < out[j].Category
	})
	return out
}

package harvest

import "strings"

// Filters is the structured predicate set applied to enriched records
// before persistence. Zero values mean "no bound".
type Filters struct {
	MinAge            int      `json:"min_age,omitempty"`
	MaxAge            int      `json:"max_age,omitempty"`
	ExcludeCategories []string `json:"exclude_categories,omitempty"`
}

// Match reports whether rec passes every filter predicate.
func (f Filters) Match(rec DetailRecord) bool {
	if f.MinAge > 0 && rec.Age < f.MinAge {
		return false
	}
	if f.MaxAge > 0 && rec.Age > f.MaxAge {
		return false
	}
	for _, cat := range f.ExcludeCategories {
		if strings.EqualFold(cat, rec.Category) {
			return false
		}
	}
	return true
}

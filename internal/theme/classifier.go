// Package theme implements the pure rule-based theme tagger described in
// spec.md §4.3: a dataset's name+description is matched, case-insensitively,
// against an ordered list of substring patterns per theme; a theme is
// assigned on first match within it. Deterministic and order-independent
// across themes.
//
// Grounded on original_source/packages/core/spheraform_core/adapters/theme_classifier.py's
// THEME_PATTERNS table, ported from Python re.search substring matching to
// Go strings.Contains (every original pattern is a plain word or short
// phrase, none use regex metacharacters beyond `\s*`, so substring matching
// on a normalized-whitespace lowercase string preserves the same matches).
package theme

import "strings"

const (
	NaturalEnvironment = "natural_environment"
	BuiltEnvironment   = "built_environment"
	Transport          = "transport"
	Marine             = "marine"
	Hydrology          = "hydrology"
)

// patterns lists, per theme and in listed order, the substrings tried
// against the lowercased, whitespace-normalized name+description text.
var patterns = []struct {
	theme    string
	substrs  []string
}{
	{NaturalEnvironment, []string{
		"environment", "forest", "woodland", "agriculture", "farm", "park",
		"green space", "tree", "vegetation", "habitat", "conservation",
		"nature", "wildlife", "ecology",
	}},
	{BuiltEnvironment, []string{
		"building", "structure", "infrastructure", "facility", "construction",
		"development", "property", "estate", "heritage", "historic",
		"address", "utilities", "urban",
	}},
	{Transport, []string{
		"road", "street", "highway", "motorway", "rail", "railway", "train",
		"airport", "transit", "transport", "traffic", "parking", "station",
		"route", "path", "cycle",
	}},
	{Marine, []string{
		"sea", "ocean", "marine", "shipping", "port", "harbour", "coastal",
		"benthic", "bathymetry", "maritime", "tide", "offshore", "beach",
	}},
	{Hydrology, []string{
		"river", "stream", "water", "lake", "pond", "wetland", "flood",
		"drainage", "reservoir", "canal", "catchment", "watershed",
		"aquifer", "spring",
	}},
}

// Classify returns the set of theme codes matched by name+description.
// Themes are returned in declared order; within a theme, patterns are
// tried in listed order but that order only affects which pattern is
// credited, never whether the theme matches.
func Classify(name, description string) []string {
	text := strings.ToLower(name)
	if description != "" {
		text += " " + strings.ToLower(description)
	}
	text = normalizeSpace(text)

	var matched []string
	for _, p := range patterns {
		for _, s := range p.substrs {
			if strings.Contains(text, s) {
				matched = append(matched, p.theme)
				break
			}
		}
	}
	return matched
}

// normalizeSpace collapses runs of whitespace to a single space so that
// multi-word patterns like "green space" match across arbitrary original
// spacing, mirroring Python's `\s*` patterns.
func normalizeSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !prevSpace {
				b.WriteByte(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

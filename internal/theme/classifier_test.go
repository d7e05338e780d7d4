package theme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_SingleTheme(t *testing.T) {
	got := Classify("Highway Centerlines", "Road network for the county")
	assert.ElementsMatch(t, []string{Transport}, got)
}

func TestClassify_MultipleThemes(t *testing.T) {
	got := Classify("River Flood Zones near Wetland Parks", "conservation area")
	assert.Contains(t, got, Hydrology)
	assert.Contains(t, got, NaturalEnvironment)
}

func TestClassify_NoMatch(t *testing.T) {
	got := Classify("Zoning Codes", "")
	assert.Empty(t, got)
}

func TestClassify_CaseInsensitive(t *testing.T) {
	got := Classify("HARBOUR Infrastructure", "")
	assert.ElementsMatch(t, []string{BuiltEnvironment, Marine}, got)
}

func TestClassify_DeterministicOrder(t *testing.T) {
	a := Classify("Park Road River", "")
	b := Classify("Park Road River", "")
	assert.Equal(t, a, b)
}

func TestClassify_MultiWordPatternAcrossWhitespace(t *testing.T) {
	got := Classify("Urban  Green   Space Register", "")
	assert.Contains(t, got, NaturalEnvironment)
}

package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterPicksDataAnalysisForCSVRequirement(t *testing.T) {
	router := NewRouter(NewRegistry(), 0.45)

	skill, fallback, err := router.Select("Summarize sales.csv into a report", []string{"sales.csv"}, "")

	require.NoError(t, err)
	assert.Nil(t, fallback)
	assert.Equal(t, "data-analysis", skill.Descriptor().Code)
}

func TestRouterExplicitCodeWinsOverScores(t *testing.T) {
	router := NewRouter(NewRegistry(), 0.45)

	skill, fallback, err := router.Select("Make slides about Q3 using the attached data", []string{"q3.csv"}, "ppt")

	require.NoError(t, err)
	assert.Nil(t, fallback)
	assert.Equal(t, "ppt", skill.Descriptor().Code)
}

func TestRouterResolvesAliases(t *testing.T) {
	router := NewRouter(NewRegistry(), 0.45)

	skill, _, err := router.Select("whatever", nil, "slides")
	require.NoError(t, err)
	assert.Equal(t, "ppt", skill.Descriptor().Code)

	skill, _, err = router.Select("whatever", nil, "csv-analysis")
	require.NoError(t, err)
	assert.Equal(t, "data-analysis", skill.Descriptor().Code)
}

func TestRouterUnknownCodeFails(t *testing.T) {
	router := NewRouter(NewRegistry(), 0.45)

	_, _, err := router.Select("anything", nil, "no-such-skill")

	assert.Error(t, err)
}

func TestRouterFallsBackBelowThreshold(t *testing.T) {
	router := NewRouter(NewRegistry(), 0.45)

	skill, fallback, err := router.Select("hello", []string{"notes.txt"}, "")

	require.NoError(t, err)
	require.NotNil(t, fallback)
	assert.Equal(t, GeneralDefaultCode, skill.Descriptor().Code)
	assert.Equal(t, GeneralDefaultCode, fallback.Selected)
	assert.Less(t, fallback.BestScore, 0.45)
	assert.NotEmpty(t, fallback.BestCandidate)
}

func TestDataAnalysisScoreWeighsKeywordsAndFiles(t *testing.T) {
	skill := DataAnalysisSkill{}

	blank := skill.Score("hello", []string{"photo.png"})
	keyworded := skill.Score("analyze this dataset", []string{"photo.png"})
	full := skill.Score("analyze this dataset", []string{"data.csv", "extra.xlsx"})

	assert.InDelta(t, 0.15, blank, 1e-9)
	assert.Greater(t, keyworded, blank)
	assert.Greater(t, full, keyworded)
	assert.LessOrEqual(t, full, 1.0)
}

func TestPptScoreStrongMediaBoost(t *testing.T) {
	skill := PptSkill{}

	weak := skill.Score("", []string{"cover.png"})
	strong := skill.Score("", []string{"deck.pptx"})

	assert.InDelta(t, 0.08+0.12, weak, 1e-9)
	assert.InDelta(t, 0.08+0.45, strong, 1e-9)
}

func TestGeneralScoreFloor(t *testing.T) {
	skill := GeneralSkill{}

	assert.InDelta(t, 0.2, skill.Score("   ", nil), 1e-9)
	assert.InDelta(t, 0.5, skill.Score("do something useful", nil), 1e-9)
}

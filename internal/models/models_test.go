package models_test

import (
	"testing"

	"portal-backend/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestSideOfIsDeterministicAndOpposite(t *testing.T) {
	a, b := "1f9c0c1e-aaaa", "7b2d9e44-bbbb"

	assert.Equal(t, models.SideA, models.SideOf(a, b))
	assert.Equal(t, models.SideB, models.SideOf(b, a))
	assert.Equal(t, models.SideOf(a, b).Other(), models.SideOf(b, a))
	assert.Equal(t, models.Tie, models.Tie.Other())
}

func TestMoodValid(t *testing.T) {
	for _, mood := range models.AllMoods {
		assert.True(t, mood.Valid(), mood)
	}
	assert.Len(t, models.AllMoods, 8)
	assert.False(t, models.MoodType("grumpy").Valid())
	assert.False(t, models.MoodType("").Valid())
}

func TestStrokeValidate(t *testing.T) {
	ok := models.Stroke{
		ID:     "s1",
		Points: []models.Point{{X: 1, Y: 1}, {X: 2, Y: 3}},
		Color:  "#FFB6C1",
		Size:   8,
	}
	assert.NoError(t, ok.Validate())

	noPoints := ok
	noPoints.Points = ok.Points[:1]
	assert.Error(t, noPoints.Validate())

	badColor := ok
	badColor.Color = "pink"
	assert.Error(t, badColor.Validate())

	huge := ok
	huge.Size = 500
	assert.Error(t, huge.Validate())
}

func TestWinnerComparesFinalCounts(t *testing.T) {
	assert.Equal(t, models.SideA, models.Winner(11, 10))
	assert.Equal(t, models.SideB, models.Winner(0, 1))
	assert.Equal(t, models.Tie, models.Winner(10, 10))
}

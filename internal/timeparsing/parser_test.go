package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompactDuration(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"+6h", now.Add(6 * time.Hour)},
		{"-1d", now.AddDate(0, 0, -1)},
		{"+2w", now.AddDate(0, 0, 14)},
		{"3m", now.AddDate(0, 3, 0)},
		{"1y", now.AddDate(1, 0, 0)},
		{"-2w", now.AddDate(0, 0, -14)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestParseCompactDurationRejectsGarbage(t *testing.T) {
	now := time.Now()
	for _, input := range []string{"", "6", "h", "6x", "++6h", "tomorrow"} {
		_, err := ParseCompactDuration(input, now)
		assert.Error(t, err, "input %q", input)
	}
}

func TestIsCompactDuration(t *testing.T) {
	assert.True(t, IsCompactDuration("-1d"))
	assert.True(t, IsCompactDuration("12w"))
	assert.False(t, IsCompactDuration("yesterday"))
	assert.False(t, IsCompactDuration("2025-01-01"))
}

func TestParseNaturalLanguage(t *testing.T) {
	// Fixed reference time: Wednesday, January 15, 2025, 10:00:00 AM
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	tests := []struct {
		input   string
		wantDay int
	}{
		{"tomorrow", 16},
		{"yesterday", 14},
		{"next friday", 17},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseNaturalLanguage(tt.input, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDay, got.Day())
			assert.Equal(t, time.January, got.Month())
		})
	}
}

func TestParseNaturalLanguageRejectsGarbage(t *testing.T) {
	_, err := ParseNaturalLanguage("zzzzz", time.Now())
	assert.Error(t, err)
}

func TestParseLayering(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

	got, err := Parse("-1d", now)
	require.NoError(t, err)
	assert.Equal(t, 14, got.Day())

	got, err = Parse("2025-02-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.February, got.Month())
	assert.Equal(t, 1, got.Day())

	got, err = Parse("2025-03-01T12:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 12, got.UTC().Hour())

	_, err = Parse("zzzzz", now)
	assert.Error(t, err)
}

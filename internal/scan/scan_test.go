package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from  Status
		to    Status
		legal bool
	}{
		{StatusUploaded, StatusExtracting, true},
		{StatusExtracting, StatusResearching, true},
		{StatusResearching, StatusRefining, true},
		{StatusRefining, StatusCompleted, true},

		{StatusUploaded, StatusFailed, true},
		{StatusExtracting, StatusFailed, true},
		{StatusResearching, StatusFailed, true},
		{StatusRefining, StatusFailed, true},

		// No stage skipping.
		{StatusUploaded, StatusResearching, false},
		{StatusUploaded, StatusCompleted, false},
		{StatusExtracting, StatusCompleted, false},

		// No going backwards.
		{StatusResearching, StatusExtracting, false},
		{StatusRefining, StatusUploaded, false},

		// Terminal states have no outgoing edges.
		{StatusCompleted, StatusExtracting, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusExtracting, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.legal, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusUploaded.Terminal())
	assert.False(t, StatusExtracting.Terminal())
	assert.False(t, StatusResearching.Terminal())
	assert.False(t, StatusRefining.Terminal())
}

func TestParseImageType(t *testing.T) {
	assert.Equal(t, ImageTypeTag, ParseImageType("tag"))
	assert.Equal(t, ImageTypeGarment, ParseImageType("garment"))
	assert.Equal(t, ImageTypeCondition, ParseImageType("condition"))
	assert.Equal(t, ImageTypeDetail, ParseImageType("detail"))
	assert.Equal(t, ImageTypeUnknown, ParseImageType("unknown"))
	assert.Equal(t, ImageTypeUnknown, ParseImageType("selfie"))
	assert.Equal(t, ImageTypeUnknown, ParseImageType(""))
}

package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNullableStringReturnsNilForEmpty(t *testing.T) {
	assert.Nil(t, nullableString(""))
	assert.Equal(t, "hello", nullableString("hello"))
}

func TestRecordedTimestampDefaultsToNowWhenZero(t *testing.T) {
	var zero time.Time
	got := recordedTimestamp(zero)
	assert.WithinDuration(t, time.Now(), got, time.Second)

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, fixed, recordedTimestamp(fixed))
}

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{Name: "t", FailureThreshold: 3, SuccessThreshold: 1, Timeout: 50 * time.Millisecond, MaxHalfOpenRequest: 1})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, b.State())
	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := New(Config{Name: "t2", FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond, MaxHalfOpenRequest: 1})

	_ = b.Execute(func() error { return errors.New("fail") })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)

	err := b.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerOpensOnFailureRatioOverVolume(t *testing.T) {
	b := New(Config{
		Name:              "ratio",
		ErrorThresholdPct: 50,
		VolumeThreshold:   4,
		Interval:          time.Minute,
		SuccessThreshold:  1,
		Timeout:           time.Minute,
	})

	boom := errors.New("boom")
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return nil })
	require.Equal(t, StateClosed, b.State(), "ratio must not trip below the volume threshold")

	_ = b.Execute(func() error { return boom })
	assert.Equal(t, StateOpen, b.State(), "2 failures in 4 requests is a 50% ratio at volume")
}

func TestBreakerSparseFailuresStayUnderRatio(t *testing.T) {
	b := New(Config{
		Name:              "sparse",
		ErrorThresholdPct: 50,
		VolumeThreshold:   4,
		Interval:          time.Minute,
		SuccessThreshold:  1,
		Timeout:           time.Minute,
	})

	boom := errors.New("boom")
	for i := 0; i < 9; i++ {
		_ = b.Execute(func() error { return nil })
	}
	_ = b.Execute(func() error { return boom })
	assert.Equal(t, StateClosed, b.State(), "one failure in ten requests is under the ratio")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "t3", FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond, MaxHalfOpenRequest: 1})

	_ = b.Execute(func() error { return errors.New("fail") })
	time.Sleep(15 * time.Millisecond)

	err := b.Execute(func() error { return errors.New("still failing") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

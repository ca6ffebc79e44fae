package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGigabytesExact(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1", 1 << 30},
		{"1.5", 1610612736},
		{"0", 0},
		{"0.001", 1073741},
		{"100", 100 << 30},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseGigabytes(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseGigabytesRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "99999999999999999999"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseGigabytes(in)
			assert.Error(t, err)
		})
	}
}

func TestFormatBytesGB(t *testing.T) {
	assert.Equal(t, "1.5", FormatBytesGB(1610612736))
	assert.Equal(t, "1", FormatBytesGB(1<<30))
	assert.Equal(t, "0", FormatBytesGB(0))
}

func TestUsagePercent(t *testing.T) {
	limit := uint64(1000)
	m := &Metering{UsedBytes: 850, DataLimitBytes: &limit}
	assert.InDelta(t, 85, m.UsagePercent(), 0.001)

	m.DataLimitBytes = nil
	assert.Equal(t, float64(-1), m.UsagePercent())

	zero := uint64(0)
	m.DataLimitBytes = &zero
	assert.Equal(t, float64(-1), m.UsagePercent())
}

func TestResetStrategyIntervals(t *testing.T) {
	assert.Equal(t, float64(0), ResetNever.IntervalDays())
	assert.Equal(t, float64(1), ResetDaily.IntervalDays())
	assert.Equal(t, float64(7), ResetWeekly.IntervalDays())
	assert.Equal(t, float64(30), ResetMonthly.IntervalDays())
}

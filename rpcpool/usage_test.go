package rpcpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageSummaryBuckets(t *testing.T) {
	u := NewUsageTracker(UsageConfig{})
	u.Record("alchemy", Premium, true)
	u.Record("alchemy", Premium, true)
	u.Record("infura", Backup, false)
	u.Record("public", Public, true)

	sum := u.Summarize()
	assert.Equal(t, int64(2), sum.PremiumRequests)
	assert.Equal(t, int64(1), sum.BackupRequests)
	assert.Equal(t, int64(1), sum.PublicRequests)
	assert.Equal(t, int64(1), sum.TotalFailures)
}

func TestUsageResetDailyKeepsMonthly(t *testing.T) {
	u := NewUsageTracker(UsageConfig{})
	u.Record("alchemy", Premium, true)
	u.Record("alchemy", Premium, false)

	u.ResetDaily()

	sum := u.Summarize()
	assert.Zero(t, sum.PremiumRequests, "daily counters must be zero after reset")
	assert.Zero(t, sum.TotalFailures)

	require.Len(t, sum.Providers, 1)
	assert.Equal(t, int64(2), sum.Providers[0].MonthRequests, "monthly counters survive daily reset")
}

func TestUsageApproachingLimit(t *testing.T) {
	u := NewUsageTracker(UsageConfig{Allowances: map[string]int64{"alchemy": 10}})
	for i := 0; i < 8; i++ {
		u.Record("alchemy", Premium, true)
	}
	sum := u.Summarize()
	require.Len(t, sum.Providers, 1)
	assert.InDelta(t, 80.0, sum.Providers[0].PercentUsed, 0.001)
	assert.False(t, sum.Providers[0].ApproachingLimit, "exactly 80% is not yet over the threshold")

	u.Record("alchemy", Premium, true)
	sum = u.Summarize()
	assert.True(t, sum.Providers[0].ApproachingLimit, "90% must flag")
}

func TestUsageUnmeteredProvider(t *testing.T) {
	u := NewUsageTracker(UsageConfig{})
	u.Record("public", Public, true)
	sum := u.Summarize()
	require.Len(t, sum.Providers, 1)
	assert.Zero(t, sum.Providers[0].PercentUsed)
	assert.False(t, sum.Providers[0].ApproachingLimit)
}

func TestUsageMonthRollover(t *testing.T) {
	u := NewUsageTracker(UsageConfig{})
	base := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return base }
	u.Record("alchemy", Premium, true)

	u.now = func() time.Time { return base.Add(2 * time.Hour) } // september
	u.Record("alchemy", Premium, true)

	sum := u.Summarize()
	require.Len(t, sum.Providers, 1)
	assert.Equal(t, int64(1), sum.Providers[0].MonthRequests, "month counters reset on calendar rollover")
}

func TestSummaryMetadataShape(t *testing.T) {
	u := NewUsageTracker(UsageConfig{})
	u.Record("alchemy", Premium, true)
	md := u.Summarize().Metadata()
	for _, key := range []string{"date", "premium_requests", "backup_requests", "public_requests", "total_failures", "providers"} {
		assert.Contains(t, md, key)
	}
}

package limits

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmhand-labs/go-farmhand/audit"
)

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func testConfig() Config {
	return Config{
		MaxTransactionUSD:    usd(1000),
		DailyLimitUSD:        usd(2500),
		ApprovalThresholdUSD: usd(800),
	}
}

type approverFunc func(decimal.Decimal, string) (bool, error)

func (f approverFunc) Approve(a decimal.Decimal, r string) (bool, error) { return f(a, r) }

func TestConfigHierarchy(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ApprovalThresholdUSD = usd(1500)
	assert.Error(t, bad.Validate(), "approval above per-tx must fail")

	bad = cfg
	bad.MaxTransactionUSD = usd(5000)
	assert.Error(t, bad.Validate(), "per-tx above daily must fail")

	bad = cfg
	bad.DailyLimitUSD = decimal.Zero
	assert.Error(t, bad.Validate(), "zero limits must fail")
}

func TestAuthorizeWithinLimits(t *testing.T) {
	l, err := New(testConfig(), nil, nil)
	require.NoError(t, err)
	assert.NoError(t, l.Authorize(usd(500), "rebalance"))
}

func TestAuthorizeRejectsInvalidAmount(t *testing.T) {
	l, _ := New(testConfig(), nil, nil)
	assert.ErrorIs(t, l.Authorize(decimal.Zero, "x"), ErrInvalidAmount)
	assert.ErrorIs(t, l.Authorize(usd(-5), "x"), ErrInvalidAmount)
}

func TestPerTransactionCap(t *testing.T) {
	sink := audit.NewMemorySink(0)
	l, _ := New(testConfig(), nil, sink)

	err := l.Authorize(usd(1001), "too big")
	assert.ErrorIs(t, err, ErrTxLimitExceeded)

	breaches := sink.ByType(audit.TypeSpendingLimitBreach)
	require.Len(t, breaches, 1)
	assert.Equal(t, audit.SeverityError, breaches[0].Severity)
}

func TestRollingDailyCap(t *testing.T) {
	l, _ := New(testConfig(), nil, nil)

	// Three maxed transactions fill 3000 > 2500, so the third must fail.
	require.NoError(t, l.Authorize(usd(1000), "a"))
	l.Record(usd(1000))
	require.NoError(t, l.Authorize(usd(1000), "b"))
	l.Record(usd(1000))

	err := l.Authorize(usd(1000), "c")
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)
	assert.True(t, l.Remaining().Equal(usd(500)))
}

func TestWindowExpiry(t *testing.T) {
	l, _ := New(testConfig(), nil, nil)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Record(usd(1000))
	l.Record(usd(1000))
	assert.True(t, l.SpentLast24h().Equal(usd(2000)))

	// 25 hours later both spends have aged out.
	l.now = func() time.Time { return now.Add(25 * time.Hour) }
	assert.True(t, l.SpentLast24h().IsZero())
	assert.NoError(t, l.Authorize(usd(1000), "fresh window"))
}

func TestApprovalThreshold(t *testing.T) {
	// No approver configured: above-threshold amounts are refused.
	l, _ := New(testConfig(), nil, nil)
	assert.ErrorIs(t, l.Authorize(usd(900), "big"), ErrApprovalRequired)

	// Approver accepts.
	var asked decimal.Decimal
	l, _ = New(testConfig(), approverFunc(func(a decimal.Decimal, _ string) (bool, error) {
		asked = a
		return true, nil
	}), nil)
	assert.NoError(t, l.Authorize(usd(900), "big"))
	assert.True(t, asked.Equal(usd(900)))

	// Approver denies.
	l, _ = New(testConfig(), approverFunc(func(decimal.Decimal, string) (bool, error) {
		return false, nil
	}), nil)
	assert.ErrorIs(t, l.Authorize(usd(900), "big"), ErrApprovalDenied)

	// Approver hook failure surfaces as an error, not an approval.
	hookErr := errors.New("pager unreachable")
	l, _ = New(testConfig(), approverFunc(func(decimal.Decimal, string) (bool, error) {
		return false, hookErr
	}), nil)
	assert.ErrorIs(t, l.Authorize(usd(900), "big"), hookErr)
}

func TestBelowThresholdSkipsApprover(t *testing.T) {
	called := false
	l, _ := New(testConfig(), approverFunc(func(decimal.Decimal, string) (bool, error) {
		called = true
		return false, nil
	}), nil)
	require.NoError(t, l.Authorize(usd(100), "small"))
	assert.False(t, called)
}

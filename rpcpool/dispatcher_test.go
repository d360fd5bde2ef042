package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmhand-labs/go-farmhand/audit"
)

// testAPI is served over an in-process rpc server so dispatcher tests
// exercise the real client path.
type testAPI struct{}

func (testAPI) Ping() string { return "pong" }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("test", testAPI{}))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

// deadServerURL returns a URL that refuses connections.
func deadServerURL(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()
	return url
}

func pingOp(t *testing.T) Op {
	return func(ctx context.Context, client *rpc.Client) error {
		var res string
		if err := client.CallContext(ctx, &res, "test_ping"); err != nil {
			return err
		}
		if res != "pong" {
			t.Errorf("unexpected ping response %q", res)
		}
		return nil
	}
}

func TestExecuteFailover(t *testing.T) {
	working := newTestServer(t)
	d, err := New(DefaultConfig, []Endpoint{
		{Name: "alchemy_premium", URL: deadServerURL(t), Provider: "alchemy", Network: "base", Priority: Premium},
		{Name: "public_backup", URL: working.URL, Provider: "public", Network: "base", Priority: Public},
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Execute(context.Background(), "base", pingOp(t)))

	sum := d.Usage().Summarize()
	assert.Equal(t, int64(1), sum.PremiumRequests, "premium was tried first")
	assert.Equal(t, int64(1), sum.PublicRequests, "public served the call")
	assert.Equal(t, int64(1), sum.TotalFailures)
}

func TestExecuteAllEndpointsFailed(t *testing.T) {
	d, err := New(DefaultConfig, []Endpoint{
		{Name: "a", URL: deadServerURL(t), Provider: "alchemy", Network: "base", Priority: Premium},
		{Name: "b", URL: deadServerURL(t), Provider: "public", Network: "base", Priority: Public},
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	err = d.Execute(context.Background(), "base", pingOp(t))
	assert.ErrorIs(t, err, ErrAllEndpointsFailed)
}

func TestExecuteUnknownNetwork(t *testing.T) {
	d, err := New(DefaultConfig, []Endpoint{
		{Name: "a", URL: "http://127.0.0.1:1", Provider: "public", Network: "base", Priority: Public},
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	err = d.Execute(context.Background(), "solana", pingOp(t))
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestExecuteHonorsContextCancel(t *testing.T) {
	d, err := New(DefaultConfig, []Endpoint{
		{Name: "a", URL: deadServerURL(t), Provider: "public", Network: "base", Priority: Public},
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = d.Execute(ctx, "base", pingOp(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPremiumDisabledSkipsPremium(t *testing.T) {
	working := newTestServer(t)
	cfg := DefaultConfig
	cfg.PremiumEnabled = false

	d, err := New(cfg, []Endpoint{
		{Name: "premium", URL: working.URL, Provider: "alchemy", Network: "base", Priority: Premium},
		{Name: "public", URL: working.URL, Provider: "public", Network: "base", Priority: Public},
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Execute(context.Background(), "base", pingOp(t)))
	}
	sum := d.Usage().Summarize()
	assert.Zero(t, sum.PremiumRequests)
	assert.Equal(t, int64(5), sum.PublicRequests)
}

// Gradual rollout: with premium at p%, the admitted fraction over N=1000
// draws converges to p within ±5 points.
func TestGradualRolloutConvergence(t *testing.T) {
	cfg := DefaultConfig
	cfg.PremiumPercentage = 30

	d, err := New(cfg, []Endpoint{
		{Name: "a", URL: "http://127.0.0.1:1", Provider: "alchemy", Network: "base", Priority: Premium},
	}, nil)
	require.NoError(t, err)
	d.rng = rand.New(rand.NewSource(42))

	const n = 1000
	admitted := 0
	for i := 0; i < n; i++ {
		if d.admitPremium() {
			admitted++
		}
	}
	frac := float64(admitted) / n * 100
	assert.InDelta(t, 30.0, frac, 5.0, "admitted %.1f%% premium", frac)
}

func TestRolloutBoundaries(t *testing.T) {
	cfg := DefaultConfig
	cfg.PremiumPercentage = 100
	d, _ := New(cfg, []Endpoint{{Name: "a", URL: "http://127.0.0.1:1", Provider: "x", Network: "base", Priority: Premium}}, nil)
	for i := 0; i < 50; i++ {
		assert.True(t, d.admitPremium())
	}

	cfg.PremiumPercentage = 0
	d, _ = New(cfg, []Endpoint{{Name: "a", URL: "http://127.0.0.1:1", Provider: "x", Network: "base", Priority: Premium}}, nil)
	for i := 0; i < 50; i++ {
		assert.False(t, d.admitPremium())
	}
}

func TestEndpointRateWindow(t *testing.T) {
	ep := &endpointState{Endpoint: Endpoint{RateLimitPerSecond: 2, RateLimitPerMinute: 3}}
	now := time.Unix(1700000000, 0)

	assert.True(t, ep.tryAcquire(now))
	assert.True(t, ep.tryAcquire(now))
	assert.False(t, ep.tryAcquire(now), "second bucket exhausted")

	// Next second: per-second bucket resets, per-minute still counts.
	now = now.Add(time.Second)
	assert.True(t, ep.tryAcquire(now))
	assert.False(t, ep.tryAcquire(now), "minute bucket exhausted at 3")

	// Next minute: everything resets.
	now = now.Add(time.Minute)
	assert.True(t, ep.tryAcquire(now))
}

func TestEndpointEMALatency(t *testing.T) {
	ep := &endpointState{}
	ep.recordSuccess(100 * time.Millisecond)
	assert.InDelta(t, 100.0, ep.emaLatencyMs, 0.001, "first sample seeds the EMA")

	ep.recordSuccess(200 * time.Millisecond)
	assert.InDelta(t, 130.0, ep.emaLatencyMs, 0.001, "ema = 0.3*200 + 0.7*100")
}

func TestEndpointHealthStreak(t *testing.T) {
	ep := &endpointState{}
	assert.True(t, ep.healthy())

	ep.recordFailure()
	ep.recordFailure()
	assert.True(t, ep.healthy(), "two failures keep it healthy")

	turned := ep.recordFailure()
	assert.True(t, turned, "third failure crosses the threshold")
	assert.False(t, ep.healthy())

	recovered := ep.recordSuccess(50 * time.Millisecond)
	assert.True(t, recovered)
	assert.True(t, ep.healthy())
}

func TestUnhealthyEndpointAudited(t *testing.T) {
	sink := audit.NewMemorySink(0)
	secretKey := "abcdefghijklmnopqrstuvwxyz012345"
	d, err := New(DefaultConfig, []Endpoint{
		{Name: "alchemy_premium", URL: "https://base.g.alchemy.com/v2/" + secretKey, Provider: "alchemy", Network: "base", Priority: Premium},
	}, sink)
	require.NoError(t, err)
	defer d.Close()

	failOp := func(ctx context.Context, client *rpc.Client) error {
		return errors.New("calling https://base.g.alchemy.com/v2/" + secretKey + ": boom")
	}
	for i := 0; i < 3; i++ {
		require.Error(t, d.Execute(context.Background(), "base", failOp))
	}

	events := sink.ByType(audit.TypeRPCEndpointFailure)
	require.Len(t, events, 1)

	raw, err := json.Marshal(events[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secretKey, "audit events must never leak the api key")
	assert.Contains(t, string(raw), `"provider":"alchemy"`)
}

func TestStatusSanitizesURL(t *testing.T) {
	d, err := New(DefaultConfig, []Endpoint{
		{Name: "alchemy_premium", URL: "https://base.g.alchemy.com/v2/abc123def456", Provider: "alchemy", Network: "base", Priority: Premium},
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	st := d.Status()
	require.Len(t, st, 1)
	assert.Equal(t, "https://base.g.alchemy.com/v2/***", st[0].URL)
	assert.True(t, st[0].Healthy)
	assert.Equal(t, "closed", st[0].BreakerState)
}

func TestTierOrderingWithinNetwork(t *testing.T) {
	d, err := New(DefaultConfig, []Endpoint{
		{Name: "pub", URL: "http://127.0.0.1:1", Provider: "public", Network: "base", Priority: Public},
		{Name: "prem", URL: "http://127.0.0.1:1", Provider: "alchemy", Network: "base", Priority: Premium},
		{Name: "back", URL: "http://127.0.0.1:1", Provider: "infura", Network: "base", Priority: Backup},
	}, nil)
	require.NoError(t, err)
	defer d.Close()

	cands := d.candidates("base", true, true)
	require.Len(t, cands, 3)
	assert.Equal(t, "prem", cands[0].ID())
	assert.Equal(t, "back", cands[1].ID())
	assert.Equal(t, "pub", cands[2].ID())
}

func TestDuplicateEndpointIDRejected(t *testing.T) {
	_, err := New(DefaultConfig, []Endpoint{
		{Name: "same", URL: "http://127.0.0.1:1", Provider: "a", Network: "base", Priority: Public},
		{Name: "same", URL: "http://127.0.0.1:2", Provider: "b", Network: "base", Priority: Public},
	}, nil)
	assert.Error(t, err)
}

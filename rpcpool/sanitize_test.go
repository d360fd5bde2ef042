package rpcpool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeURLAlchemy(t *testing.T) {
	got := SanitizeURL("https://base-mainnet.g.alchemy.com/v2/abc123def456")
	assert.Equal(t, "https://base-mainnet.g.alchemy.com/v2/***", got)
	assert.NotContains(t, got, "abc123def456")
}

func TestSanitizeURLInfura(t *testing.T) {
	got := SanitizeURL("https://mainnet.infura.io/v3/0123456789abcdef0123456789abcdef")
	assert.Equal(t, "https://mainnet.infura.io/v3/***", got)
}

func TestSanitizeURLQuickNode(t *testing.T) {
	got := SanitizeURL("https://falling-patient-pond.quiknode.pro/9a1e2f3c4b5d6e7f8091a2b3c4d5e6f7/")
	assert.True(t, strings.HasPrefix(got, "https://falling-patient-pond.quiknode.pro/***"), got)
	assert.NotContains(t, got, "9a1e2f3c4b5d6e7f8091a2b3c4d5e6f7")
}

func TestSanitizeURLGenericLongSegment(t *testing.T) {
	got := SanitizeURL("https://rpc.example.org/keys/abcdefghijklmnopqrstuvwxyz012345")
	assert.Equal(t, "https://rpc.example.org/keys/***", got)
}

func TestSanitizeURLLeavesShortPathsAlone(t *testing.T) {
	for _, u := range []string{
		"https://cloudflare-eth.com",
		"https://rpc.ankr.com/eth",
		"https://mainnet.base.org",
	} {
		assert.Equal(t, u, SanitizeURL(u))
	}
}

func TestSanitizeText(t *testing.T) {
	msg := `Post "https://base-mainnet.g.alchemy.com/v2/abc123def456": dial tcp: connection refused`
	got := SanitizeText(msg)
	assert.Contains(t, got, "/v2/***")
	assert.NotContains(t, got, "abc123def456")
	assert.Contains(t, got, "connection refused")
}

func TestSanitizeTextMultipleURLs(t *testing.T) {
	msg := "tried https://a.example/v2/key1key1key1 then https://b.quiknode.pro/key2key2key2/"
	got := SanitizeText(msg)
	assert.NotContains(t, got, "key1key1key1")
	assert.NotContains(t, got, "key2key2key2")
}

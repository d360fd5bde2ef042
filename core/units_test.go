package core

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func TestToRawKnownValues(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{"1000", 6, "1000000000"},
		{"0", 18, "0"},
		{"2500.75", 6, "2500750000"},
	}
	for _, tt := range tests {
		got := ToRaw(decimal.RequireFromString(tt.amount), tt.decimals)
		if got.String() != tt.want {
			t.Errorf("ToRaw(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestToRawTruncatesExcessPrecision(t *testing.T) {
	// 6-decimal token cannot hold the 7th digit; it truncates, never rounds.
	got := ToRaw(decimal.RequireFromString("1.2345678"), 6)
	if got.String() != "1234567" {
		t.Errorf("got %s, want 1234567", got)
	}
}

func TestFormatUnitsNil(t *testing.T) {
	if got := FormatUnits(nil, 18); !got.IsZero() {
		t.Errorf("nil raw amount = %s, want 0", got)
	}
}

// Round-trip: any amount with at most `decimals` fractional digits survives
// conversion to raw units and back unchanged.
func TestUnitsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		decimals := uint8(rapid.IntRange(0, 18).Draw(t, "decimals"))
		units := rapid.Int64Range(0, 1e15).Draw(t, "units")
		amount := decimal.New(units, -int32(decimals))

		raw := ToRaw(amount, decimals)
		back := FormatUnits(raw, decimals)
		if !back.Equal(amount) {
			t.Fatalf("round trip lost precision: %s -> %s -> %s (decimals=%d)",
				amount, raw, back, decimals)
		}
	})
}

func TestWeiToEther(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := WeiToEther(wei); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("WeiToEther = %s, want 1.5", got)
	}
}

func TestGweiToWei(t *testing.T) {
	got := GweiToWei(decimal.RequireFromString("30"))
	if got.String() != "30000000000" {
		t.Errorf("GweiToWei(30) = %s, want 30000000000", got)
	}
}

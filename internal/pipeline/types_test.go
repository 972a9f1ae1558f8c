package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureRow_UnmarshalAliases(t *testing.T) {
	raw := `{"ts_ms":1700000000000,"symbol":"BTCUSDT","ofi_z":1.5,"cvd_z":-0.7,"spread_bps":2.0,"lag_sec":0.4}`

	var row FeatureRow
	require.NoError(t, json.Unmarshal([]byte(raw), &row))
	require.NotNil(t, row.ZOFI)
	require.NotNil(t, row.ZCVD)
	assert.Equal(t, 1.5, *row.ZOFI)
	assert.Equal(t, -0.7, *row.ZCVD)
}

func TestFeatureRow_CanonicalNamesWin(t *testing.T) {
	raw := `{"ts_ms":1,"symbol":"X","z_ofi":2.0,"ofi_z":9.0}`

	var row FeatureRow
	require.NoError(t, json.Unmarshal([]byte(raw), &row))
	assert.Equal(t, 2.0, *row.ZOFI)
}

func TestParseGuardReason(t *testing.T) {
	for _, r := range AllGuardReasons {
		got, err := ParseGuardReason(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	_, err := ParseGuardReason("rain_delay")
	assert.Error(t, err, "values outside the closed enumeration are contract violations")
}

func TestValidateRow(t *testing.T) {
	tests := []struct {
		name    string
		row     FeatureRow
		wantErr bool
	}{
		{"valid", FeatureRow{TsMs: 1, Symbol: "BTCUSDT"}, false},
		{"missing ts", FeatureRow{Symbol: "BTCUSDT"}, true},
		{"missing symbol", FeatureRow{TsMs: 1}, true},
		{"negative spread", FeatureRow{TsMs: 1, Symbol: "X", SpreadBps: -1}, true},
		{"negative lag", FeatureRow{TsMs: 1, Symbol: "X", LagSec: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRow(&tt.row)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecision_CloneIsIndependent(t *testing.T) {
	orig := &Decision{Symbol: "BTCUSDT", ZOFI: fptr(1.0), DivType: strPtr("bull")}

	dup := orig.Clone()
	*dup.ZOFI = 9.0
	*dup.DivType = "bear"
	dup.Symbol = "ETHUSDT"

	assert.Equal(t, 1.0, *orig.ZOFI)
	assert.Equal(t, "bull", *orig.DivType)
	assert.Equal(t, "BTCUSDT", orig.Symbol)
}

func strPtr(s string) *string { return &s }

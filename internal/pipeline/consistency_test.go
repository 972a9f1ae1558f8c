package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func fptr(v float64) *float64 { return &v }

func TestFallbackConsistency_EqualSignPairs(t *testing.T) {
	tests := []struct {
		name string
		zOFI float64
		zCVD float64
		want float64
	}{
		{"identical", 1.0, 1.0, 1.0},
		{"half ratio", 1.0, 0.5, 0.5},
		{"half ratio reversed", 2.0, 1.0, 0.5},
		{"small magnitudes", 0.1, 0.1, 1.0},
		{"negative pair", -2.0, -1.0, 0.5},
		{"asymmetric negative", -0.5, -2.0, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FallbackConsistency(fptr(tt.zOFI), fptr(tt.zCVD))
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestFallbackConsistency_ZeroForDegenerateInputs(t *testing.T) {
	tests := []struct {
		name string
		zOFI *float64
		zCVD *float64
	}{
		{"opposite signs", fptr(1.0), fptr(-1.0)},
		{"missing first", nil, fptr(1.0)},
		{"missing second", fptr(1.0), nil},
		{"both missing", nil, nil},
		{"both zero", fptr(0.0), fptr(0.0)},
		{"one zero", fptr(0.0), fptr(1.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0.0, FallbackConsistency(tt.zOFI, tt.zCVD))
		})
	}
}

type stubFusion struct {
	scores map[string]float64
	err    error
}

func (s *stubFusion) Score(_ context.Context, _ *FeatureRow) (map[string]float64, error) {
	return s.scores, s.err
}

func TestResolver_UsesAttachedFusionEngine(t *testing.T) {
	r := NewConsistencyResolver(&stubFusion{scores: map[string]float64{"consistency": 0.8}}, nil)
	row := &FeatureRow{ZOFI: fptr(1.0), ZCVD: fptr(-1.0)}

	got := r.Resolve(context.Background(), row)
	assert.Equal(t, 0.8, got)
}

func TestResolver_FallsBackSilentlyOnEngineError(t *testing.T) {
	var stats RunStats
	r := NewConsistencyResolver(&stubFusion{err: errors.New("fusion down")}, &stats)
	row := &FeatureRow{ZOFI: fptr(2.0), ZCVD: fptr(1.0)}

	got := r.Resolve(context.Background(), row)
	assert.InDelta(t, 0.5, got, 1e-9)
	assert.Equal(t, int64(1), stats.FusionFallback)
}

func TestResolver_FallsBackOnMalformedAnswer(t *testing.T) {
	var stats RunStats
	r := NewConsistencyResolver(&stubFusion{scores: map[string]float64{"alignment": 0.9}}, &stats)
	row := &FeatureRow{ZOFI: fptr(1.0), ZCVD: fptr(1.0)}

	got := r.Resolve(context.Background(), row)
	assert.Equal(t, 1.0, got)
	assert.Equal(t, int64(1), stats.FusionFallback)
}

func TestResolver_ClampsFusionAnswer(t *testing.T) {
	r := NewConsistencyResolver(&stubFusion{scores: map[string]float64{"consistency": 1.7}}, nil)
	assert.Equal(t, 1.0, r.Resolve(context.Background(), &FeatureRow{}))

	r = NewConsistencyResolver(&stubFusion{scores: map[string]float64{"consistency": -0.2}}, nil)
	assert.Equal(t, 0.0, r.Resolve(context.Background(), &FeatureRow{}))
}

package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeatures_SetGet(t *testing.T) {
	for _, feature := range []Features{FeatureSignExtensionOps, FeatureMultiValue} {
		f := Features20191205.Set(feature, true)
		require.True(t, f.Get(feature))
		require.NoError(t, f.Require(feature))

		f = f.Set(feature, false)
		require.False(t, f.Get(feature))
		require.Equal(t, Features20191205, f)
	}
}

func TestFeatures_Require(t *testing.T) {
	err := Features20191205.Require(FeatureMultiValue)
	require.EqualError(t, err, `feature "multi-value" is disabled`)
}

func TestFeatures_String(t *testing.T) {
	tests := []struct {
		feature  Features
		expected string
	}{
		{feature: Features20191205, expected: ""},
		{feature: FeatureSignExtensionOps, expected: "sign-extension-ops"},
		{feature: FeatureMultiValue, expected: "multi-value"},
		{feature: FeatureSignExtensionOps | FeatureMultiValue, expected: "sign-extension-ops|multi-value"},
		{feature: 1 << 63, expected: ""},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.feature.String())
		})
	}
}

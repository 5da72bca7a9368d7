package cac

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDimensionValue(t *testing.T) {
	tests := []struct {
		raw      string
		expected any
	}{
		{"42", 42.0},
		{"-3", -3.0},
		{"1.5", 1.5},
		{"true", true},
		{"false", false},
		{"True", "True"},
		{"Bangalore", "Bangalore"},
		{"NaN", "NaN"},
		{" 7 ", 7.0},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseDimensionValue(tc.raw))
		})
	}
}

func TestQueryFromValues(t *testing.T) {
	values := url.Values{
		"city":           {"Bangalore", "Delhi"},
		"version":        {"3"},
		"prefix":         {"pricing"},
		"show_reasoning": {"true"},
	}
	query := QueryFromValues(values, "prefix", "show_reasoning")
	assert.Equal(t, map[string]any{"city": "Bangalore", "version": 3.0}, query)
}

func TestQueryFromPairs(t *testing.T) {
	query, err := QueryFromPairs([]string{"city=Bangalore", "vip=true", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Bangalore", "vip": true, "note": "a=b"}, query)

	_, err = QueryFromPairs([]string{"city"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = QueryFromPairs([]string{"=x"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategy_Variants(t *testing.T) {
	testCases := []struct {
		name     string
		strategy *Strategy
		expect   []Variant
	}{
		{
			name:     "nil strategy runs once",
			strategy: nil,
			expect:   []Variant{nil},
		},
		{
			name:     "empty matrix runs once",
			strategy: &Strategy{},
			expect:   []Variant{nil},
		},
		{
			name: "single axis",
			strategy: &Strategy{Matrix: map[string][]interface{}{
				"install": {"minimal", "full", "docs"},
			}},
			expect: []Variant{
				{"install": "minimal"},
				{"install": "full"},
				{"install": "docs"},
			},
		},
		{
			name: "cartesian product in axis name order",
			strategy: &Strategy{Matrix: map[string][]interface{}{
				"os":      {"linux", "darwin"},
				"version": {"1.21", "1.22"},
			}},
			expect: []Variant{
				{"os": "linux", "version": "1.21"},
				{"os": "linux", "version": "1.22"},
				{"os": "darwin", "version": "1.21"},
				{"os": "darwin", "version": "1.22"},
			},
		},
		{
			name: "exclude removes matching variant",
			strategy: &Strategy{
				Matrix: map[string][]interface{}{
					"os":      {"linux", "darwin"},
					"version": {"1.21", "1.22"},
				},
				Exclude: []map[string]interface{}{
					{"os": "darwin", "version": "1.21"},
				},
			},
			expect: []Variant{
				{"os": "linux", "version": "1.21"},
				{"os": "linux", "version": "1.22"},
				{"os": "darwin", "version": "1.22"},
			},
		},
		{
			name: "include augments matching variant",
			strategy: &Strategy{
				Matrix: map[string][]interface{}{
					"os": {"linux", "darwin"},
				},
				Include: []map[string]interface{}{
					{"os": "linux", "container": "ubuntu:24.04"},
				},
			},
			expect: []Variant{
				{"os": "linux", "container": "ubuntu:24.04"},
				{"os": "darwin"},
			},
		},
		{
			name: "include without axis keys augments every variant",
			strategy: &Strategy{
				Matrix: map[string][]interface{}{
					"os": {"linux", "darwin"},
				},
				Include: []map[string]interface{}{
					{"shell": "bash"},
				},
			},
			expect: []Variant{
				{"os": "linux", "shell": "bash"},
				{"os": "darwin", "shell": "bash"},
			},
		},
		{
			name: "unmatched include appends a variant",
			strategy: &Strategy{
				Matrix: map[string][]interface{}{
					"os": {"linux"},
				},
				Include: []map[string]interface{}{
					{"os": "windows"},
				},
			},
			expect: []Variant{
				{"os": "linux"},
				{"os": "windows"},
			},
		},
		{
			name: "include only",
			strategy: &Strategy{
				Include: []map[string]interface{}{
					{"os": "linux"},
					{"os": "darwin"},
				},
			},
			expect: []Variant{
				{"os": "linux"},
				{"os": "darwin"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actual := tc.strategy.Variants()
			require.Equal(t, len(tc.expect), len(actual))
			assert.EqualValues(t, tc.expect, actual)
		})
	}
}

func TestStrategy_IsFailFast(t *testing.T) {
	disabled := false
	assert.True(t, (*Strategy)(nil).IsFailFast())
	assert.True(t, (&Strategy{}).IsFailFast())
	assert.False(t, (&Strategy{FailFast: &disabled}).IsFailFast())
}

func TestVariant_Key(t *testing.T) {
	assert.Equal(t, "", Variant(nil).Key())
	assert.Equal(t, "install=full", Variant{"install": "full"}.Key())
	assert.Equal(t, "os=linux,version=1.22",
		Variant{"version": "1.22", "os": "linux"}.Key())
}

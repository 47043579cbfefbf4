package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFloatMarshal(t *testing.T) {
	tests := []struct {
		name     string
		value    JSONFloat
		expected string
	}{
		{
			name:     "regular value",
			value:    JSONFloat(3.21),
			expected: "3.21",
		},
		{
			name:     "undefined value",
			value:    JSONFloat(math.NaN()),
			expected: "null",
		},
		{
			name:     "positive infinity",
			value:    JSONFloat(math.Inf(1)),
			expected: "null",
		},
	}

	for _, test := range tests {
		got, err := json.Marshal(test.value)
		require.NoError(t, err, test.name)
		assert.Equal(t, test.expected, string(got), test.name)
	}
}

func TestJSONFloatUnmarshal(t *testing.T) {
	var j JSONFloat

	require.NoError(t, json.Unmarshal([]byte("2.5"), &j))
	assert.Equal(t, JSONFloat(2.5), j)

	require.NoError(t, json.Unmarshal([]byte("null"), &j))
	assert.True(t, j.IsNaN())
}

func TestJSONFloatSQLValue(t *testing.T) {
	v, err := JSONFloat(90).Value()
	require.NoError(t, err)
	assert.Equal(t, 90.0, v)

	// Undefined values must map to SQL NULL
	v, err = JSONFloat(math.NaN()).Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	var j JSONFloat

	require.NoError(t, j.Scan(nil))
	assert.True(t, j.IsNaN())

	require.NoError(t, j.Scan(16.05))
	assert.Equal(t, JSONFloat(16.05), j)
}

func TestFloatMapRoundTrip(t *testing.T) {
	m := FloatMap{"A100": 3.21, "rtx8000": 1.0}

	v, err := m.Value()
	require.NoError(t, err)

	var got FloatMap

	require.NoError(t, got.Scan(v))
	assert.True(t, m.Equals(got))
	assert.False(t, m.Equals(FloatMap{"A100": 3.21}))
	assert.False(t, m.Equals(FloatMap{"A100": 3.21, "rtx8000": 2.0}))
}

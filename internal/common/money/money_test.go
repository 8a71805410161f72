package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	a := New(10050, INR)
	b := New(4950, INR)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), sum.AmountMinor)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, int64(5100), diff.AmountMinor)

	_, err = a.Add(New(100, USD))
	assert.Error(t, err)
}

func TestComparisons(t *testing.T) {
	a := New(100, INR)
	b := New(200, INR)

	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.LessThan(b))
	assert.False(t, a.GreaterThan(New(100, USD)))

	assert.True(t, New(100, INR).Equal(New(100, INR)))
	assert.False(t, New(100, INR).Equal(New(100, USD)))
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported(INR))
	assert.True(t, IsSupported(USD))
	assert.False(t, IsSupported(Currency("XYZ")))
	assert.False(t, IsSupported(Currency("")))
}

func TestJSONRoundTrip(t *testing.T) {
	m := New(29900, INR)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got Money
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, m, got)
}

func TestNewFromMajor(t *testing.T) {
	assert.Equal(t, int64(29900), NewFromMajor(299.00, INR).AmountMinor)
	assert.Equal(t, int64(10), NewFromMajor(0.10, USD).AmountMinor)
	assert.Equal(t, int64(1), NewFromMajor(0.005, USD).AmountMinor)
}

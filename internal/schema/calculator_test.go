package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTypeCalculator_Infer(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		value string
		want  ColumnType
	}{
		{"163", TypeInteger},
		{"-42", TypeInteger},
		{" 7 ", TypeInteger},
		{"3.14", TypeFloat},
		{"1e10", TypeFloat},
		{"NaN", TypeString},
		{"true", TypeBoolean},
		{"No", TypeBoolean},
		{"2024-02-29", TypeDate},
		{"02/29/2024", TypeDate},
		{"2024-02-29T10:11:12Z", TypeTimestamp},
		{"2024-02-29 10:11:12", TypeTimestamp},
		{"hello", TypeString},
		{"", TypeUnknown},
	}

	calc := DefaultTypeCalculator{}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, calc.Infer(tt.value))
		})
	}
}

func TestDefaultTypeCalculator_Coerce(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	calc := DefaultTypeCalculator{}

	v, err := calc.Coerce("163", TypeInteger)
	require.NoError(t, err)
	assert.Equal(t, int64(163), v)

	v, err = calc.Coerce("2", TypeFloat)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, v, 0.0001)

	v, err = calc.Coerce("1970-01-11", TypeDate)
	require.NoError(t, err)
	assert.Equal(t, int32(10), v)

	v, err = calc.Coerce("1970-01-02", TypeTimestamp)
	require.NoError(t, err)
	assert.Equal(t, int64(86400000), v)

	v, err = calc.Coerce("yes", TypeBoolean)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = calc.Coerce("  ", TypeInteger)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = calc.Coerce(" keep me ", TypeString)
	require.NoError(t, err)
	assert.Equal(t, " keep me ", v)

	_, err = calc.Coerce("abc", TypeInteger)
	require.ErrorIs(t, err, ErrCoercion)

	_, err = calc.Coerce("1.5", TypeInteger)
	require.ErrorIs(t, err, ErrCoercion)
}

package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr error
	}{
		{name: "integer", in: "100", want: 10000},
		{name: "two decimals", in: "12.34", want: 1234},
		{name: "one decimal", in: "0.5", want: 50},
		{name: "trailing zeros beyond scale", in: "1.2300", want: 123},
		{name: "surrounding spaces", in: "  7.01 ", want: 701},
		{name: "negative", in: "-3.5", want: -350},
		{name: "empty", in: "", wantErr: ErrInvalidAmount},
		{name: "garbage", in: "abc", wantErr: ErrInvalidAmount},
		{name: "too precise", in: "1.234", wantErr: ErrTooPrecise},
		{name: "overflow", in: "999999999999999999999", wantErr: ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "12.34", Format(1234))
	assert.Equal(t, "0.05", Format(5))
	assert.Equal(t, "100.00", Format(10000))
	assert.Equal(t, "-1.50", Format(-150))
}

func TestToDecimalRoundTrip(t *testing.T) {
	d := ToDecimal(98765)
	assert.True(t, d.Equal(decimal.RequireFromString("987.65")))

	minor, err := FromDecimal(d)
	require.NoError(t, err)
	assert.Equal(t, int64(98765), minor)
}

package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFields(t *testing.T, body string) map[string]json.RawMessage {
	t.Helper()
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &raw))
	return raw
}

func TestDecodePatch(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
		check   func(t *testing.T, p Patch)
	}{
		{
			name: "all allowed fields",
			body: `{"amount":"30.50","category":"FOOD","description":" lunch ","effectiveDate":"2025-03-01"}`,
			check: func(t *testing.T, p Patch) {
				require.NotNil(t, p.Amount)
				assert.Equal(t, int64(3050), *p.Amount)
				assert.Equal(t, CategoryFood, *p.Category)
				assert.Equal(t, " lunch ", *p.Description)
				assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), *p.EffectiveDate)
			},
		},
		{
			name: "numeric amount",
			body: `{"amount":12}`,
			check: func(t *testing.T, p Patch) {
				assert.Equal(t, int64(1200), *p.Amount)
				assert.Nil(t, p.Category)
			},
		},
		{
			name: "null description clears",
			body: `{"description":null}`,
			check: func(t *testing.T, p Patch) {
				require.NotNil(t, p.Description)
				assert.Equal(t, "", *p.Description)
			},
		},
		{
			name: "rfc3339 date",
			body: `{"effectiveDate":"2025-03-01T10:00:00Z"}`,
			check: func(t *testing.T, p Patch) {
				assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), *p.EffectiveDate)
			},
		},
		{name: "empty patch", body: `{}`, check: func(t *testing.T, p Patch) { assert.True(t, p.Empty()) }},
		{name: "owner change rejected", body: `{"amount":5,"ownerId":"someone-else"}`, wantErr: "invalid update: ownerId"},
		{name: "all disallowed fields listed", body: `{"id":"x","ownerId":"y"}`, wantErr: "invalid update: id, ownerId"},
		{name: "zero amount", body: `{"amount":0}`, wantErr: "amount must be positive"},
		{name: "negative amount", body: `{"amount":"-1"}`, wantErr: "amount must be positive"},
		{name: "null amount", body: `{"amount":null}`, wantErr: "amount must not be null"},
		{name: "too precise amount", body: `{"amount":"1.001"}`, wantErr: "decimal places"},
		{name: "unknown category", body: `{"category":"crypto"}`, wantErr: "unknown category"},
		{name: "bad date", body: `{"effectiveDate":"03/01/2025"}`, wantErr: "effectiveDate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePatch(rawFields(t, tt.body), time.UTC)
			if tt.wantErr != "" {
				require.ErrorIs(t, err, ErrValidation)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, p.Empty())
				return
			}
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestPatchApplyTo(t *testing.T) {
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	orig := Transaction{Amount: 6000, Category: CategoryBills, Description: "power", Version: 1}

	amount := int64(3000)
	p := Patch{Amount: &amount}
	got := p.ApplyTo(orig, now)

	assert.Equal(t, int64(-3000), p.Delta(orig.Amount))
	assert.Equal(t, int64(3000), got.Amount)
	assert.Equal(t, CategoryBills, got.Category)
	assert.Equal(t, "power", got.Description)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, now, got.UpdatedAt)
	assert.Equal(t, int64(6000), orig.Amount, "original must be untouched")
}

func TestWalletApply(t *testing.T) {
	now := time.Now()
	w, err := NewWallet("u1", 10000, now)
	require.NoError(t, err)

	require.ErrorIs(t, w.Apply(-10001, 0, now), ErrInsufficientFunds)
	assert.Equal(t, int64(10000), w.Balance)
	assert.Equal(t, int64(1), w.Version)

	require.NoError(t, w.Apply(-10000, 0, now))
	assert.Equal(t, int64(0), w.Balance)
	assert.Equal(t, int64(10000), w.Funded)
	assert.Equal(t, int64(2), w.Version)

	_, err = NewWallet("u1", -1, now)
	require.ErrorIs(t, err, ErrValidation)
}

func TestWalletApply_Overflow(t *testing.T) {
	now := time.Now()
	w, err := NewWallet("u1", math.MaxInt64-10, now)
	require.NoError(t, err)

	require.ErrorIs(t, w.Apply(11, 11, now), ErrValidation)
	assert.Equal(t, int64(math.MaxInt64-10), w.Balance)
	assert.Equal(t, int64(1), w.Version)

	require.NoError(t, w.Apply(10, 10, now))
	assert.Equal(t, int64(math.MaxInt64), w.Balance)
	assert.False(t, CreditOverflows(math.MaxInt64, -5))
	assert.True(t, CreditOverflows(math.MaxInt64, 1))
}

func TestParseEffectiveDate(t *testing.T) {
	west := time.FixedZone("UTC-5", -5*3600)

	d, err := ParseEffectiveDate("2025-05-01", west)
	require.NoError(t, err)
	assert.True(t, d.Equal(time.Date(2025, 5, 1, 0, 0, 0, 0, west)))
	assert.Equal(t, time.May, d.In(west).Month())

	d, err = ParseEffectiveDate("2025-05-01", nil)
	require.NoError(t, err)
	assert.True(t, d.Equal(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))

	// RFC3339 不受 loc 影響
	d, err = ParseEffectiveDate("2025-05-01T02:00:00Z", west)
	require.NoError(t, err)
	assert.True(t, d.Equal(time.Date(2025, 5, 1, 2, 0, 0, 0, time.UTC)))

	_, err = ParseEffectiveDate("May 1", west)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" Travel ")
	require.NoError(t, err)
	assert.Equal(t, CategoryTravel, c)

	_, err = ParseCategory("")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDecodeAmount(t *testing.T) {
	cases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{`12.34`, 1234, false},
		{`"12.34"`, 1234, false},
		{`100`, 10000, false},
		{`0.001`, 0, true},
		{`0`, 0, true},
		{`-5`, 0, true},
		{`null`, 0, true},
		{`"abc"`, 0, true},
	}
	for _, tc := range cases {
		got, err := DecodeAmount(json.RawMessage(tc.raw))
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrValidation, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

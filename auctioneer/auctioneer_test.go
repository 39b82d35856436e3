package auctioneer

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPriceAt(t *testing.T) {
	t.Parallel()
	start := time.Unix(1700000000, 0)
	a := &Auction{
		InitialPrice: big.NewInt(1_000_000),
		Duration:     300,
		Quantity:     big.NewInt(100),
		Status:       AuctionStatusActive,
		StartedAt:    start,
	}

	for _, tc := range []struct {
		elapsed time.Duration
		price   int64
	}{
		{0, 1_000_000},
		{time.Second * 150, 500_000},
		{time.Second * 299, 3_333},
		{time.Second * 300, 0},
		{time.Hour, 0},
		// Sub-second progress doesn't move the price.
		{time.Millisecond * 999, 1_000_000},
		// Clock readings before start are clamped.
		{-time.Minute, 1_000_000},
	} {
		assert.Equal(t, tc.price, PriceAt(a, start.Add(tc.elapsed)).Int64(), "elapsed %s", tc.elapsed)
	}
}

func TestAuction_StatusAt(t *testing.T) {
	t.Parallel()
	start := time.Unix(1700000000, 0)
	a := &Auction{InitialPrice: big.NewInt(10), Duration: 3, Status: AuctionStatusActive, StartedAt: start}

	assert.Equal(t, AuctionStatusActive, a.StatusAt(start))
	assert.Equal(t, AuctionStatusActive, a.StatusAt(start.Add(time.Second*2)))
	assert.Equal(t, AuctionStatusExpired, a.StatusAt(start.Add(time.Second*3)))
	assert.Equal(t, AuctionStatusExpired, a.StatusAt(start.Add(time.Second*5)))

	a.Status = AuctionStatusSold
	assert.Equal(t, AuctionStatusSold, a.StatusAt(start.Add(time.Second*5)))
}

func TestAuction_Copy(t *testing.T) {
	t.Parallel()
	a := &Auction{InitialPrice: big.NewInt(10), Quantity: big.NewInt(1)}
	c := a.Copy()
	c.InitialPrice.SetInt64(20)
	require.Nil(t, c.PricePaid)
	assert.Equal(t, int64(10), a.InitialPrice.Int64())
}

func TestAuctionStatus_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "inactive", AuctionStatusInactive.String())
	assert.Equal(t, "active", AuctionStatusActive.String())
	assert.Equal(t, "sold", AuctionStatusSold.String())
	assert.Equal(t, "expired", AuctionStatusExpired.String())
	assert.Equal(t, "invalid", AuctionStatus(42).String())

	for _, s := range []AuctionStatus{AuctionStatusInactive, AuctionStatusActive, AuctionStatusSold, AuctionStatusExpired} {
		got, err := AuctionStatusByString(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := AuctionStatusByString("invalid")
	require.Error(t, err)
}

func TestPriceAtProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.Int64Range(1, 1<<62).Draw(t, "initial").(int64)
		duration := rapid.Uint64Range(1, 1<<20).Draw(t, "duration").(uint64)
		t1 := rapid.Uint64Range(0, duration+10).Draw(t, "t1").(uint64)
		t2 := rapid.Uint64Range(t1, duration+20).Draw(t, "t2").(uint64)

		start := time.Unix(1700000000, 0)
		a := &Auction{
			InitialPrice: big.NewInt(initial),
			Duration:     duration,
			Status:       AuctionStatusActive,
			StartedAt:    start,
		}
		at := func(s uint64) *big.Int {
			return PriceAt(a, start.Add(time.Duration(s)*time.Second))
		}

		if at(0).Cmp(a.InitialPrice) != 0 {
			t.Fatalf("price at start %s != initial %s", at(0), a.InitialPrice)
		}
		if at(duration).Sign() != 0 {
			t.Fatalf("price at end is %s", at(duration))
		}
		p1, p2 := at(t1), at(t2)
		if p2.Cmp(p1) > 0 {
			t.Fatalf("price increased from %s at %d to %s at %d", p1, t1, p2, t2)
		}
		if p1.Sign() < 0 || p1.Cmp(a.InitialPrice) > 0 {
			t.Fatalf("price %s out of range", p1)
		}
		if at(t1).Cmp(p1) != 0 {
			t.Fatalf("price at %d isn't stable", t1)
		}
	})
}

func TestFormatAmount(t *testing.T) {
	t.Parallel()
	x := big.NewInt(1_234_567)
	assert.Equal(t, "1,234,567", FormatAmount(x))
	assert.Equal(t, "1234567", x.String())
	assert.Equal(t, "1,234,567", FormatAmount(x))
	assert.Equal(t, "<nil>", FormatAmount(nil))

	neg := big.NewInt(-9_876)
	assert.Equal(t, "-9,876", FormatAmount(neg))
	assert.Equal(t, "-9876", neg.String())
}

package auctioneer

import (
	"context"
	"math"

	core "github.com/textileio/dutch-auction/auctioneer"
	"github.com/textileio/dutch-auction/cmd/auctioneerd/metrics"
	"go.opentelemetry.io/otel/metric"
)

func (a *Auctioneer) initMetrics() {
	a.metricStarted = metrics.Meter.NewInt64Counter(metrics.Prefix + ".auctions_started_total")
	a.metricPurchases = metrics.Meter.NewInt64Counter(metrics.Prefix + ".purchases_total")
	a.metricRollbacks = metrics.Meter.NewInt64Counter(metrics.Prefix + ".settlement_rollbacks_total")
	a.metricBuyDuration = metrics.Meter.NewInt64Histogram(metrics.Prefix + ".buy_duration_millis")
	a.metricCurrentPrice = metrics.Meter.NewInt64GaugeObserver(metrics.Prefix+".current_price", a.currentPriceCb)
}

func (a *Auctioneer) currentPriceCb(_ context.Context, r metric.Int64ObserverResult) {
	r.Observe(a.observedPrice())
}

// observedPrice is the current price reported by the gauge. It's zero without
// an active auction, and clamped to math.MaxInt64.
func (a *Auctioneer) observedPrice() int64 {
	cur := a.snapshot()
	if cur == nil {
		return 0
	}
	now := a.clock.Now()
	if cur.StatusAt(now) != core.AuctionStatusActive {
		return 0
	}
	p := core.PriceAt(cur, now)
	if !p.IsInt64() {
		a.priceOverflow.Do(func() {
			log.Warnf("current price of auction %s overflows the gauge, reporting %d", cur.ID, int64(math.MaxInt64))
		})
		return math.MaxInt64
	}
	return p.Int64()
}

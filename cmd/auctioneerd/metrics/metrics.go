package metrics

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

// Prefix is the prefix of every auctioneerd metric.
const Prefix = "auctioneer"

// Meter is the auctioneerd meter.
var Meter = metric.Must(global.Meter("auctioneerd"))

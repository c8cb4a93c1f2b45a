// Package metrics holds the Prometheus collectors for grid activity.
//
// Exposed series:
//   - grid_orders_placed_total{symbol,side}
//   - grid_order_rejections_total{symbol,side}
//   - grid_cancels_total{symbol,result}      result: ok|not_open|error
//   - grid_fills_total{symbol,side}
//   - grid_rebases_total{symbol}
//   - grid_base_price{symbol}
//   - grid_trigger_fraction{symbol,side}
//   - grid_contract_violations_total{symbol,kind}
//
// Collectors register on the default registry in init() and are served by
// the /metrics handler started in main.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const (
	CancelOK      = "ok"
	CancelNotOpen = "not_open"
	CancelError   = "error"
)

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_placed_total",
			Help: "Grid limit orders accepted by the venue",
		},
		[]string{"symbol", "side"},
	)

	orderRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_order_rejections_total",
			Help: "Grid limit orders the venue refused",
		},
		[]string{"symbol", "side"},
	)

	cancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_cancels_total",
			Help: "Cancel attempts split by result",
		},
		[]string{"symbol", "result"},
	)

	fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Grid orders filled",
		},
		[]string{"symbol", "side"},
	)

	rebases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_rebases_total",
			Help: "Completed cancel-and-replace cycles",
		},
		[]string{"symbol"},
	)

	basePrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_base_price",
			Help: "Current grid reference price",
		},
		[]string{"symbol"},
	)

	triggerFraction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_trigger_fraction",
			Help: "Current trigger width as a fraction of the base price",
		},
		[]string{"symbol", "side"},
	)

	contractViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_contract_violations_total",
			Help: "Inputs the controller refused (empty history, unknown fills)",
		},
		[]string{"symbol", "kind"},
	)
)

func init() {
	prometheus.MustRegister(ordersPlaced, orderRejections, cancels, fills)
	prometheus.MustRegister(rebases, basePrice, triggerFraction, contractViolations)
}

func IncOrderPlaced(symbol, side string)   { ordersPlaced.WithLabelValues(symbol, side).Inc() }
func IncOrderRejected(symbol, side string) { orderRejections.WithLabelValues(symbol, side).Inc() }
func IncCancel(symbol, result string)      { cancels.WithLabelValues(symbol, result).Inc() }
func IncFill(symbol, side string)          { fills.WithLabelValues(symbol, side).Inc() }
func IncRebase(symbol string)              { rebases.WithLabelValues(symbol).Inc() }
func IncContractViolation(symbol, kind string) {
	contractViolations.WithLabelValues(symbol, kind).Inc()
}

func SetBasePrice(symbol string, price decimal.Decimal) {
	basePrice.WithLabelValues(symbol).Set(price.InexactFloat64())
}

func SetTriggers(symbol string, buy, sell decimal.Decimal) {
	triggerFraction.WithLabelValues(symbol, "buy").Set(buy.InexactFloat64())
	triggerFraction.WithLabelValues(symbol, "sell").Set(sell.InexactFloat64())
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

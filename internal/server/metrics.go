package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"giftescrow/internal/ledger"
)

type metricsRegistry struct {
	registry     *prometheus.Registry
	txTotal      *prometheus.CounterVec
	openGifts    prometheus.Gauge
	lockedAmount prometheus.Gauge
	height       prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	tx := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftescrow_transactions_total",
		Help: "Transactions submitted to the ledger by kind and result",
	}, []string{"kind", "result"})

	open := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "giftescrow_open_gifts",
		Help: "Number of gifts that are neither claimed nor refunded",
	})

	locked := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "giftescrow_locked_amount",
		Help: "Net payable amount held in escrow, in base units",
	})

	height := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "giftescrow_height",
		Help: "Height of the last applied transaction",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(tx, open, locked, height)

	return &metricsRegistry{
		registry:     r,
		txTotal:      tx,
		openGifts:    open,
		lockedAmount: locked,
		height:       height,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incTx(kind, result string) {
	m.txTotal.WithLabelValues(kind, result).Inc()
}

func (m *metricsRegistry) observeLedger(st ledger.Stats, height uint64) {
	m.openGifts.Set(float64(st.Open))
	m.lockedAmount.Set(float64(st.Locked))
	m.height.Set(float64(height))
}

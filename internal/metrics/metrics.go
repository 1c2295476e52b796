package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"depthbook/internal/orderbook"
)

// Book collects engine notifications into Prometheus series. It is an
// orderbook.Listener.
type Book struct {
	DepthUpdates  *prometheus.CounterVec
	LevelChanges  *prometheus.CounterVec
	Errors        prometheus.Counter
	BestPrice     *prometheus.GaugeVec
	FeedRestarts  *prometheus.CounterVec
	SnapshotsUsed prometheus.Counter
}

func NewBook() *Book {
	return &Book{
		DepthUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthbook_depth_updates_total",
			Help: "Depth updates by outcome (processed, dropped)",
		}, []string{"outcome"}),
		LevelChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthbook_level_changes_total",
			Help: "Price level mutations by side and change",
		}, []string{"side", "change"}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depthbook_errors_total",
			Help: "Error notifications (transport failures and rejected updates)",
		}),
		BestPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "depthbook_best_price",
			Help: "Current best price by side, 0 when the side is empty",
		}, []string{"side"}),
		FeedRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "depthbook_feed_restarts_total",
			Help: "Engine restarts by reason",
		}, []string{"reason"}),
		SnapshotsUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "depthbook_snapshots_applied_total",
			Help: "Snapshots applied across engine restarts",
		}),
	}
}

func (b *Book) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		b.DepthUpdates, b.LevelChanges, b.Errors, b.BestPrice, b.FeedRestarts, b.SnapshotsUsed,
	}
}

// Init registers b and the runtime collectors on a fresh registry.
func Init(b *Book, logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := append(b.collectors(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.Warn().Err(err).Msg("metric registration failed")
		}
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (b *Book) OnNotification(n orderbook.Notification) {
	switch n.Kind {
	case orderbook.DepthUpdateProcessed:
		b.DepthUpdates.WithLabelValues("processed").Inc()
	case orderbook.DepthUpdateDropped:
		b.DepthUpdates.WithLabelValues("dropped").Inc()
	case orderbook.Error:
		b.Errors.Inc()
	case orderbook.BestBidChanged:
		b.BestPrice.WithLabelValues("bid").Set(n.New)
	case orderbook.BestAskChanged:
		b.BestPrice.WithLabelValues("ask").Set(n.New)
	case orderbook.BidNewLevel:
		b.LevelChanges.WithLabelValues("bid", "new").Inc()
	case orderbook.BidQuantityUpdated:
		b.LevelChanges.WithLabelValues("bid", "update").Inc()
	case orderbook.BidRemovedLevel:
		b.LevelChanges.WithLabelValues("bid", "remove").Inc()
	case orderbook.AskNewLevel:
		b.LevelChanges.WithLabelValues("ask", "new").Inc()
	case orderbook.AskQuantityUpdated:
		b.LevelChanges.WithLabelValues("ask", "update").Inc()
	case orderbook.AskRemovedLevel:
		b.LevelChanges.WithLabelValues("ask", "remove").Inc()
	}
}

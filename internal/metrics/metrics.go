package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chessvault",
		Name:      "purchases_completed_total",
		Help:      "Ownership transfers finalized, free and paid.",
	})

	CheckoutsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chessvault",
		Name:      "checkouts_created_total",
		Help:      "Stripe checkout sessions created for paid listings.",
	})

	MarketTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chessvault",
		Name:      "market_ticks_total",
		Help:      "Demo market tick rounds completed by the worker.",
	})

	ListingsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chessvault",
		Name:      "listings_expired_total",
		Help:      "Active listings cancelled by the TTL sweep.",
	})
)

package middleware

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netsys-lab/ilp-connector/ilp"
)

// StatsCollector holds the prometheus counters shared by all account
// chains. Register it once per process.
type StatsCollector struct {
	prepares *prometheus.CounterVec
	fulfills *prometheus.CounterVec
	rejects  *prometheus.CounterVec
	amount   *prometheus.CounterVec
	money    *prometheus.CounterVec
}

func NewStatsCollector() *StatsCollector {
	labels := []string{"account", "direction"}
	return &StatsCollector{
		prepares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ilp_packets_prepared_total",
			Help: "PREPARE packets entering a chain.",
		}, labels),
		fulfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ilp_packets_fulfilled_total",
			Help: "Packets that ended in FULFILL.",
		}, labels),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ilp_packets_rejected_total",
			Help: "Packets that ended in REJECT.",
		}, append(labels, "code")),
		amount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ilp_fulfilled_amount_total",
			Help: "Value moved by fulfilled packets, in asset units.",
		}, labels),
		money: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ilp_settlement_amount_total",
			Help: "Settlement value received over links, in asset units.",
		}, []string{"account"}),
	}
}

// Register attaches the collectors to the registry.
func (s *StatsCollector) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.prepares, s.fulfills, s.rejects, s.amount, s.money} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Stats observes packet outcomes; it never alters them.
func Stats(s *StatsCollector, accountID, direction string) Data {
	return Data{
		Name: "stats",
		Wrap: func(next DataHandler) DataHandler {
			return func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error) {
				s.prepares.WithLabelValues(accountID, direction).Inc()
				resp, err := next(ctx, prepare)
				switch {
				case err == nil && resp != nil && resp.Fulfill != nil:
					s.fulfills.WithLabelValues(accountID, direction).Inc()
					s.amount.WithLabelValues(accountID, direction).Add(float64(prepare.Amount))
				case err == nil && resp != nil && resp.Reject != nil:
					s.rejects.WithLabelValues(accountID, direction, resp.Reject.Code).Inc()
				}
				return resp, err
			}
		},
	}
}

// StatsMoney observes settlement credits.
func StatsMoney(s *StatsCollector, accountID string) Money {
	return Money{
		Name: "stats",
		Wrap: func(next MoneyHandler) MoneyHandler {
			return func(ctx context.Context, amount uint64) error {
				err := next(ctx, amount)
				if err == nil {
					s.money.WithLabelValues(accountID).Add(float64(amount))
				}
				return err
			}
		},
	}
}

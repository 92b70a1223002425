package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Exchange kinds
const (
	KindAuthorizationCode = "authorization_code"
	KindRefresh           = "refresh_token"
)

// Outcomes shared by the counters below
const (
	OutcomeSuccess   = "success"
	OutcomeConsumed  = "consumed"
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
)

var ExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authsession_exchanges_total",
	Help: "Token endpoint exchanges attempted, by grant kind and outcome",
}, []string{"kind", "outcome"})

var CallbackOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authsession_callback_outcomes_total",
	Help: "Login callback invocations by final outcome",
}, []string{"outcome"})

var RenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authsession_renewals_total",
	Help: "Silent renewal attempts by outcome",
}, []string{"outcome"})

var Authenticated = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "authsession_authenticated",
	Help: "1 while a session is held, 0 when anonymous",
})

// Package metrics provides Prometheus instrumentation for certledger.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkoval/certledger/internal/record"
)

// Collector tracks certificate lifecycle activity and the latest CRL build.
type Collector struct {
	certsIssued    prometheus.Counter
	revocations    *prometheus.CounterVec
	requestsDenied *prometheus.CounterVec
	ledgerErrors   *prometheus.CounterVec
	issuedTotal    prometheus.Gauge
	revokedTotal   prometheus.Gauge
	crlAge         prometheus.Gauge
	buildDuration  prometheus.Gauge
	mu             sync.Mutex
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		certsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "certledger",
			Name:      "certificates_issued_total",
			Help:      "Number of certificates issued since process start.",
		}),

		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certledger",
			Name:      "revocations_total",
			Help:      "Number of confirmed revocations by reason.",
		}, []string{"reason"}),

		requestsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certledger",
			Name:      "requests_denied_total",
			Help:      "Number of denied requests by kind and cause.",
		}, []string{"kind", "cause"}),

		ledgerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certledger",
			Name:      "ledger_errors_total",
			Help:      "Number of failed ledger operations by operation.",
		}, []string{"op"}),

		issuedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "certledger",
			Name:      "crl_issued_total",
			Help:      "Total issuance events seen by the latest CRL build.",
		}),

		revokedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "certledger",
			Name:      "crl_revoked_total",
			Help:      "Total revoked serials in the latest CRL.",
		}),

		crlAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "certledger",
			Name:      "crl_generated_timestamp",
			Help:      "Unix timestamp of the latest CRL build.",
		}),

		buildDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "certledger",
			Name:      "crl_build_duration_seconds",
			Help:      "Duration of the last CRL build in seconds.",
		}),
	}

	reg.MustRegister(c.certsIssued)
	reg.MustRegister(c.revocations)
	reg.MustRegister(c.requestsDenied)
	reg.MustRegister(c.ledgerErrors)
	reg.MustRegister(c.issuedTotal)
	reg.MustRegister(c.revokedTotal)
	reg.MustRegister(c.crlAge)
	reg.MustRegister(c.buildDuration)

	return c
}

// CertIssued records one successful issuance.
func (c *Collector) CertIssued() {
	c.certsIssued.Inc()
}

// RevocationConfirmed records one confirmed revocation.
func (c *Collector) RevocationConfirmed(reason record.Reason) {
	c.revocations.With(prometheus.Labels{"reason": string(reason)}).Inc()
}

// RequestDenied records one denied request.
func (c *Collector) RequestDenied(kind, cause string) {
	c.requestsDenied.With(prometheus.Labels{"kind": kind, "cause": cause}).Inc()
}

// LedgerError records one failed ledger operation.
func (c *Collector) LedgerError(op string) {
	c.ledgerErrors.With(prometheus.Labels{"op": op}).Inc()
}

// UpdateCRL replaces the CRL gauges from the given build.
func (c *Collector) UpdateCRL(crl *record.CRL, buildDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.issuedTotal.Set(float64(crl.TotalIssued))
	c.revokedTotal.Set(float64(crl.TotalRevoked))
	c.crlAge.Set(float64(crl.GeneratedAt.Unix()))
	c.buildDuration.Set(buildDuration.Seconds())
}

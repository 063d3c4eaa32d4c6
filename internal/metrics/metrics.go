package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the counters for key exchanges, folder transactions and
// metadata decoding. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ExchangesTotal       *prometheus.CounterVec
	ExchangeDuration     prometheus.Histogram
	FolderTransactions   *prometheus.CounterVec
	MetadataFilesTotal   *prometheus.CounterVec
	MetadataDocsRejected prometheus.Counter
}

// New creates the metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ExchangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2e_key_exchanges_total",
				Help: "Key exchange runs by result and terminal error kind",
			},
			[]string{"result", "kind"},
		),

		ExchangeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "e2e_key_exchange_duration_seconds",
				Help:    "Key exchange run time distribution",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		FolderTransactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2e_folder_transactions_total",
				Help: "Folder lock transactions by operation and result",
			},
			[]string{"operation", "result"},
		),

		MetadataFilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "e2e_metadata_files_total",
				Help: "Per-file metadata key decryptions by result",
			},
			[]string{"result"},
		),

		MetadataDocsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "e2e_metadata_documents_rejected_total",
				Help: "Metadata documents rejected as malformed",
			},
		),
	}
}

// Registry exposes the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveExchange records a finished key exchange run. kind is empty on success.
func (m *Metrics) ObserveExchange(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if kind != "" {
		result = ResultFailure
	}
	m.ExchangesTotal.WithLabelValues(result, kind).Inc()
	m.ExchangeDuration.Observe(elapsed.Seconds())
}

// ObserveTransaction records a folder lock transaction.
func (m *Metrics) ObserveTransaction(operation string, err error) {
	if m == nil {
		return
	}
	m.FolderTransactions.WithLabelValues(operation, resultOf(err)).Inc()
}

// ObserveFiles records per-file decrypt results.
func (m *Metrics) ObserveFiles(ok, failed int) {
	if m == nil {
		return
	}
	m.MetadataFilesTotal.WithLabelValues(ResultSuccess).Add(float64(ok))
	m.MetadataFilesTotal.WithLabelValues(ResultFailure).Add(float64(failed))
}

// ObserveRejectedDocument records a malformed metadata document.
func (m *Metrics) ObserveRejectedDocument() {
	if m == nil {
		return
	}
	m.MetadataDocsRejected.Inc()
}

// WriteTextfile writes the current values in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func resultOf(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

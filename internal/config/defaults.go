package config

import "time"

// Default deployment tuning. Staleness thresholds are deliberately
// configuration, not invariants — deployments with slow workers raise them.
const (
	defaultScanInterval     = 30 * time.Second
	defaultLeaseStaleness   = 10 * time.Minute
	defaultMaxDocs          = 5000
	defaultBatchSize        = 100
	defaultOutboxInterval   = 5 * time.Second
	defaultBackoffBase      = 30 * time.Second
	defaultBackoffCap       = time.Hour
	defaultMaxRetries       = 5
	defaultPublishWorkers   = 8
	defaultReconInterval    = 5 * time.Minute
	defaultBatchStaleness   = 30 * time.Minute
	defaultReconStaleness   = 15 * time.Minute
	defaultPublishRetention = 7 * 24 * time.Hour
)

// Default returns a Config populated with deployment defaults.
func Default() *Config {
	return &Config{
		StorePath: "vellum.db",
		LogLevel:  "info",
		Scan: ScanConfig{
			Interval:         Duration(defaultScanInterval),
			LeaseStaleness:   Duration(defaultLeaseStaleness),
			MaxDocs:          defaultMaxDocs,
			DefaultBatchSize: defaultBatchSize,
		},
		Outbox: OutboxConfig{
			Interval:       Duration(defaultOutboxInterval),
			BackoffBase:    Duration(defaultBackoffBase),
			BackoffCap:     Duration(defaultBackoffCap),
			MaxRetries:     defaultMaxRetries,
			PublishWorkers: defaultPublishWorkers,
		},
		Reconcile: ReconcileConfig{
			Interval:           Duration(defaultReconInterval),
			BatchStaleness:     Duration(defaultBatchStaleness),
			LeaseStaleness:     Duration(defaultReconStaleness),
			PublishedRetention: Duration(defaultPublishRetention),
		},
	}
}

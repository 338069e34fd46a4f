package telemetry

import (
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"example.com/backstage/plm/config"
)

// InitNewRelic initializes the New Relic application; nil when disabled
func InitNewRelic(cfg config.NewRelicConfig) (*newrelic.Application, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistributedTracing),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return nil, err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		return nil, err
	}
	return app, nil
}

// StartSegment opens a custom segment on the transaction carried by txn.
// The returned end func is safe to call when txn is nil.
func StartSegment(txn *newrelic.Transaction, name string) func() {
	if txn == nil {
		return func() {}
	}
	seg := txn.StartSegment(name)
	return seg.End
}

package handshake

import "github.com/rcrowley/go-metrics"

var (
	metricStarted   = metrics.GetOrRegisterCounter("handshake.started", nil)
	metricOK        = metrics.GetOrRegisterCounter("handshake.ok", nil)
	metricFailed    = metrics.GetOrRegisterCounter("handshake.failed", nil)
	metricEncrypted = metrics.GetOrRegisterCounter("handshake.encrypted", nil)
	metricFallbacks = metrics.GetOrRegisterCounter("handshake.plaintext_fallbacks", nil)
)

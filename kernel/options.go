package kernel

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cryptlib-go/cryptlib/infrastructure/logging"
)

type options struct {
	logger           *logging.Logger
	selfTestAtInit   bool
	selfTestSchedule string
	metricsNamespace string
	registerer       prometheus.Registerer
	capabilities     []*capabilityDescriptor
}

func defaultOptions() options {
	return options{
		selfTestAtInit:   true,
		metricsNamespace: "cryptlib",
	}
}

// Option configures a Kernel. The functional-options constructor is the
// kernel's entire configuration surface: it reads no files and no
// environment.
type Option func(*Kernel)

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.opts.logger = l
		}
	}
}

// WithSelfTest controls whether every registered capability's self-test
// runs during Init. Failing algorithms are marked
// unavailable; the kernel stays up.
func WithSelfTest(enabled bool) Option {
	return func(k *Kernel) { k.opts.selfTestAtInit = enabled }
}

// WithSelfTestSchedule enables periodic re-validation of registered
// capabilities on a cron schedule. The
// spec uses the standard five-field cron syntax.
func WithSelfTestSchedule(spec string) Option {
	return func(k *Kernel) { k.opts.selfTestSchedule = spec }
}

// WithMetricsNamespace sets the namespace prefix on every kernel metric.
func WithMetricsNamespace(ns string) Option {
	return func(k *Kernel) {
		if ns != "" {
			k.opts.metricsNamespace = ns
		}
	}
}

// WithMetricsRegisterer registers the kernel's collectors with the given
// registerer instead of a kernel-private registry, for callers that
// expose a shared /metrics endpoint.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(k *Kernel) { k.opts.registerer = r }
}

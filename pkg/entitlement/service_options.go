package entitlement

import (
	"log/slog"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithViewCache installs a derived-view cache. Defaults to no caching.
func WithViewCache(cache ViewCache) ServiceOption {
	return func(s *service) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// WithCustomerIDResolver overrides how owners map to provider customer
// references, e.g. when provider customer IDs (ctm_xxx) are stored
// separately. The default passes the owner UUID through custom data.
func WithCustomerIDResolver(resolver CustomerIDResolver) ServiceOption {
	return func(s *service) {
		if resolver != nil {
			s.customerID = resolver
		}
	}
}

// WithProviderTimeout bounds every billing provider call. Defaults to
// 10 seconds.
func WithProviderTimeout(d time.Duration) ServiceOption {
	return func(s *service) {
		if d > 0 {
			s.providerTimeout = d
		}
	}
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

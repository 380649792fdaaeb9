// Package prometheus holds the process-local metrics registry so
// collectors can be registered without depending on the default
// global registry.
package prometheus

import "github.com/prometheus/client_golang/prometheus"

var registry = prometheus.NewRegistry()

func GetRegistry() *prometheus.Registry {
	return registry
}

// Package prometheusbpint holds the Prometheus plumbing shared by the rest
// of the repository but not part of its public API: the process-wide
// registerer, build-info export, and a high-watermark gauge used where a
// plain gauge would hide load spikes between scrapes.
package prometheusbpint

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GlobalRegistry is where every metric in this process registers. It wraps
// the default registerer with a constant service label so expserver's
// metrics stay distinguishable when a sidecar or test harness registers its
// own under the same Gatherer.
var GlobalRegistry = prometheus.WrapRegistererWith(prometheus.Labels{
	"service": "expserver",
}, prometheus.DefaultRegisterer)

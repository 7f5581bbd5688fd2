package prometheusbpint

import (
	"runtime/debug"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var goModules = promauto.With(GlobalRegistry).NewGaugeVec(prometheus.GaugeOpts{
	Name: "expserver_go_modules",
	Help: "Version info for the main module and its dependencies. Always 1.",
}, []string{"go_module", "module_role", "replaced", "module_version"})

// RecordModuleVersions exports one gauge per module in the build, so an
// operator can answer "which sarama is this replica actually running" from
// /metrics instead of from the deploy pipeline.
func RecordModuleVersions(info *debug.BuildInfo) {
	goModules.Reset()
	recordModule("main", &info.Main)
	for _, dep := range info.Deps {
		recordModule("dependency", dep)
	}
}

func recordModule(role string, mod *debug.Module) {
	goModules.With(prometheus.Labels{
		"go_module":      mod.Path,
		"module_role":    role,
		"replaced":       strconv.FormatBool(mod.Replace != nil),
		"module_version": mod.Version,
	}).Set(1)
}

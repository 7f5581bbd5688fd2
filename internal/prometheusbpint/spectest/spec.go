// Package spectest checks that the metrics a package exports follow this
// repository's naming conventions, so drift is caught by the package's own
// tests instead of by an operator staring at a dashboard.
//
// The conventions, matching what cmd/expserver already exports:
//
//   - every metric name starts with "expserver_",
//   - names are lower snake_case with help text,
//   - counters end in _total and base units are used where prometheus'
//     own linter requires them.
package spectest

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

// MetricPrefix is the namespace every expserver metric lives under.
const MetricPrefix = "expserver_"

var errNotFound = errors.New("metric not found")

// ValidateSpec gathers from the default registry and fails tb if any metric
// whose name contains the given substring breaks the naming conventions, or
// if no such metric exists at all (usually meaning the package under test
// renamed its metrics without updating the caller).
func ValidateSpec(tb testing.TB, nameSubstring string) {
	tb.Helper()

	if err := validate(prometheus.DefaultGatherer, nameSubstring); err != nil {
		tb.Errorf("metric spec %q: %v", nameSubstring, err)
	}
}

func validate(g prometheus.Gatherer, nameSubstring string) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}

	var matched []*dto.MetricFamily
	for _, mf := range families {
		if strings.Contains(mf.GetName(), nameSubstring) {
			matched = append(matched, mf)
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("%w: no gathered metric name contains %q", errNotFound, nameSubstring)
	}

	var errs []string
	names := make([]string, 0, len(matched))
	for _, mf := range matched {
		name := mf.GetName()
		names = append(names, name)
		if !strings.HasPrefix(name, MetricPrefix) {
			errs = append(errs, fmt.Sprintf("%s: missing %q prefix", name, MetricPrefix))
		}
		if name != strings.ToLower(name) {
			errs = append(errs, fmt.Sprintf("%s: not lower snake_case", name))
		}
		if mf.GetHelp() == "" {
			errs = append(errs, fmt.Sprintf("%s: missing help text", name))
		}
	}

	problems, err := testutil.GatherAndLint(g, names...)
	if err != nil {
		return err
	}
	for _, p := range problems {
		errs = append(errs, fmt.Sprintf("%s: %s", p.Metric, p.Text))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

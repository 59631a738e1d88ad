package evolution

import (
	"context"
	"sort"
	"time"

	"github.com/ellmago/ellma/internal/telemetry"
)

const (
	problematicSuccessFloor    = 0.8
	problematicDurationCeiling = 5 * time.Second
	maxFailureExcerptsPerCmd   = 5
)

// analyse turns the telemetry store's running aggregate and recent history
// into a point-in-time health report.
func (e *Engine) analyse(ctx context.Context) Analysis {
	a := Analysis{Timestamp: time.Now(), PerCommand: map[string]CommandBreakdown{}}

	if e.telemetry == nil {
		return a
	}

	agg := e.telemetry.Snapshot()
	a.SuccessRate = agg.SuccessRate()
	a.FailureRate = agg.FailureRate()
	a.AvgDurationNanos = agg.AvgDurationNanos()
	a.ResourceSnapshot = telemetry.Snapshot()

	for cmd, stats := range agg.PerCommand {
		total := stats.Success + stats.Fail
		breakdown := CommandBreakdown{Success: stats.Success, Fail: stats.Fail}
		if total > 0 {
			breakdown.SuccessRate = float64(stats.Success) / float64(total)
			breakdown.AvgDurationNanos = float64(stats.TotalNanos) / float64(total)
		}
		a.PerCommand[cmd] = breakdown

		if breakdown.SuccessRate < problematicSuccessFloor ||
			time.Duration(breakdown.AvgDurationNanos) > problematicDurationCeiling {
			a.ProblematicCommands = append(a.ProblematicCommands, cmd)
		}
	}
	sort.Strings(a.ProblematicCommands)

	if ctx.Err() != nil {
		return a
	}

	excerptsByCommand := map[string][]string{}
	countByCommand := map[string]int{}
	for _, rec := range e.telemetry.History(0) {
		if rec.Success || rec.Error == "" {
			continue
		}
		countByCommand[rec.Command]++
		excerpts := excerptsByCommand[rec.Command]
		if len(excerpts) < maxFailureExcerptsPerCmd {
			excerptsByCommand[rec.Command] = append(excerpts, rec.Error)
		}
	}

	clusterCmds := make([]string, 0, len(countByCommand))
	for cmd := range countByCommand {
		clusterCmds = append(clusterCmds, cmd)
	}
	sort.Strings(clusterCmds)
	for _, cmd := range clusterCmds {
		a.FailureClusters = append(a.FailureClusters, FailureCluster{
			Command:  cmd,
			Count:    countByCommand[cmd],
			Excerpts: excerptsByCommand[cmd],
		})
	}

	return a
}

package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ellmago/ellma/internal/wal"
)

const (
	highFailureRateThreshold = 0.1
	highMemoryFraction       = 0.8
)

// identify turns an Analysis into a prioritised list of Opportunities: a
// few rule-based checks plus, if a TextGenerator is wired in, a free-text
// pass that can surface opportunities the rules miss.
func (e *Engine) identify(ctx context.Context, a Analysis) []Opportunity {
	var opps []Opportunity

	if a.FailureRate > highFailureRateThreshold {
		opps = append(opps, Opportunity{
			ID:          newID("opp"),
			Type:        "reliability",
			Category:    "failure_rate",
			Priority:    "high",
			Description: fmt.Sprintf("overall failure rate %.1f%% exceeds the %.0f%% threshold", a.FailureRate*100, highFailureRateThreshold*100),
			Metrics:     map[string]float64{"failureRate": a.FailureRate},
			SuggestedActions: []string{
				"improve_error_handling",
			},
			Impact:    "high",
			Effort:    "medium",
			CreatedAt: time.Now(),
		})
	}

	for _, cmd := range a.ProblematicCommands {
		breakdown := a.PerCommand[cmd]
		action := "fix_" + sanitizeToken(cmd) + "_command"
		if breakdown.AvgDurationNanos > float64(problematicDurationCeiling) {
			action = "optimize_execution"
		}

		covered := e.registrar != nil && len(e.registrar.FindByCapability(cmd)) > 0
		if !covered {
			opps = append(opps, Opportunity{
				ID:       newID("opp"),
				Type:     "capability",
				Category: cmd,
				Priority: "medium",
				Description: fmt.Sprintf("no module currently advertises the %q capability though it is invoked and underperforming", cmd),
				Metrics: map[string]float64{
					"successRate":      breakdown.SuccessRate,
					"avgDurationNanos": breakdown.AvgDurationNanos,
				},
				SuggestedActions: []string{"create_new_modules"},
				Impact:           "medium",
				Effort:           "high",
				CreatedAt:        time.Now(),
			})
			continue
		}

		opps = append(opps, Opportunity{
			ID:       newID("opp"),
			Type:     "performance",
			Category: cmd,
			Priority: "medium",
			Description: fmt.Sprintf("command %q succeeds %.1f%% of the time with average latency %s", cmd, breakdown.SuccessRate*100, time.Duration(breakdown.AvgDurationNanos)),
			Metrics: map[string]float64{
				"successRate":      breakdown.SuccessRate,
				"avgDurationNanos": breakdown.AvgDurationNanos,
			},
			SuggestedActions: []string{action},
			Impact:           "medium",
			Effort:           "low",
			CreatedAt:        time.Now(),
		})
	}

	if e.cfg.MaxMemoryMB > 0 && a.ResourceSnapshot.HeapAllocMB > float64(e.cfg.MaxMemoryMB)*highMemoryFraction {
		opps = append(opps, Opportunity{
			ID:          newID("opp"),
			Type:        "resource",
			Category:    "memory",
			Priority:    "low",
			Description: fmt.Sprintf("heap usage %.1fMB is above %.0f%% of the configured %dMB ceiling", a.ResourceSnapshot.HeapAllocMB, highMemoryFraction*100, e.cfg.MaxMemoryMB),
			Metrics:     map[string]float64{"heapAllocMB": a.ResourceSnapshot.HeapAllocMB},
			SuggestedActions: []string{
				"optimize_execution",
			},
			Impact:    "low",
			Effort:    "low",
			CreatedAt: time.Now(),
		})
	}

	if ctx.Err() == nil && e.textgen != nil {
		opps = append(opps, e.identifyViaTextGen(ctx, a)...)
	}

	sort.SliceStable(opps, func(i, j int) bool {
		if priorityRank(opps[i].Priority) != priorityRank(opps[j].Priority) {
			return priorityRank(opps[i].Priority) < priorityRank(opps[j].Priority)
		}
		return opps[i].CreatedAt.After(opps[j].CreatedAt)
	})

	if e.recorder != nil {
		e.recorder.Append("evolution.identify", wal.ActionDecision, map[string]any{
			"opportunityCount": len(opps),
		})
	}

	return opps
}

// identifyViaTextGen asks the wired TextGenerator to propose additional
// opportunities as a JSON array, tolerating a malformed or empty reply.
func (e *Engine) identifyViaTextGen(ctx context.Context, a Analysis) []Opportunity {
	prompt := fmt.Sprintf(
		`Given success rate %.3f, failure rate %.3f, and problematic commands %v, `+
			`reply with a JSON array of objects {"category":string,"priority":"high"|"medium"|"low",`+
			`"description":string,"suggestedAction":string} describing improvement opportunities. `+
			`Reply with only the JSON array.`,
		a.SuccessRate, a.FailureRate, a.ProblematicCommands,
	)

	reply, err := e.textgen.Generate(ctx, prompt, GenerateOptions{MaxTokens: 600})
	if err != nil {
		e.logger.Warn("text generator opportunity identification failed", "error", err)
		return nil
	}

	var raw []struct {
		Category        string `json:"category"`
		Priority        string `json:"priority"`
		Description     string `json:"description"`
		SuggestedAction string `json:"suggestedAction"`
	}
	reply = strings.TrimSpace(reply)
	if err := json.Unmarshal([]byte(reply), &raw); err != nil {
		e.logger.Warn("text generator opportunity reply was not valid JSON, ignoring", "error", err)
		return nil
	}

	out := make([]Opportunity, 0, len(raw))
	for _, r := range raw {
		if r.Description == "" {
			continue
		}
		priority := r.Priority
		if priority != "high" && priority != "medium" && priority != "low" {
			priority = "low"
		}
		out = append(out, Opportunity{
			ID:               newID("opp"),
			Type:             "suggested",
			Category:         r.Category,
			Priority:         priority,
			Description:      r.Description,
			SuggestedActions: []string{r.SuggestedAction},
			Impact:           "unknown",
			Effort:           "unknown",
			CreatedAt:        time.Now(),
		})
	}
	return out
}

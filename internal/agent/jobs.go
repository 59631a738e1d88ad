package agent

import (
	"encoding/json"
	"fmt"

	"github.com/ellmago/ellma/internal/scheduler"
)

// decodeSchedulerJobs turns the loosely-typed YAML job list under
// config.SchedulerConfig.Jobs into concrete scheduler.Job values by
// round-tripping through JSON, the same tag set scheduler.Job already
// declares for its own Clone method.
func decodeSchedulerJobs(raw []map[string]interface{}) ([]*scheduler.Job, error) {
	jobs := make([]*scheduler.Job, 0, len(raw))
	for i, m := range raw {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal scheduler job %d: %w", i, err)
		}
		var job scheduler.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("decode scheduler job %d: %w", i, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

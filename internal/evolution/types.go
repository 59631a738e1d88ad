package evolution

import (
	"context"
	"time"

	"github.com/ellmago/ellma/internal/module"
	"github.com/ellmago/ellma/internal/telemetry"
	"github.com/ellmago/ellma/internal/wal"
)

// TestStatus is the outcome of the Test phase's static validation of a Solution.
type TestStatus string

const (
	TestUnvalidated TestStatus = "unvalidated"
	TestValidated   TestStatus = "validated"
	TestInvalid     TestStatus = "invalid"
	TestError       TestStatus = "error"
)

// CycleStatus is the terminal (or in-flight) disposition of an EvolutionCycle.
type CycleStatus string

const (
	CycleStarted             CycleStatus = "started"
	CycleSuccess             CycleStatus = "success"
	CycleFailed              CycleStatus = "failed"
	CycleDisabled            CycleStatus = "disabled"
	CycleBusy                CycleStatus = "busy"
	CycleResourceConstrained CycleStatus = "resource_constrained"
	CycleCancelled           CycleStatus = "cancelled"
)

// CommandBreakdown summarises one command head's outcomes within an Analysis.
type CommandBreakdown struct {
	Success          int64   `json:"success"`
	Fail             int64   `json:"fail"`
	SuccessRate      float64 `json:"successRate"`
	AvgDurationNanos float64 `json:"avgDurationNanos"`
}

// FailureCluster groups recent failures for a single command head.
type FailureCluster struct {
	Command  string   `json:"command"`
	Count    int      `json:"count"`
	Excerpts []string `json:"excerpts,omitempty"`
}

// Analysis is the Analyse phase's output: a snapshot of system health
// derived from the telemetry store.
type Analysis struct {
	Timestamp           time.Time                    `json:"timestamp"`
	SuccessRate         float64                       `json:"successRate"`
	FailureRate         float64                       `json:"failureRate"`
	AvgDurationNanos    float64                       `json:"avgDurationNanos"`
	PerCommand          map[string]CommandBreakdown   `json:"perCommand"`
	ProblematicCommands []string                       `json:"problematicCommands,omitempty"`
	ResourceSnapshot    telemetry.ResourceSnapshot     `json:"resourceSnapshot"`
	FailureClusters     []FailureCluster               `json:"failureClusters,omitempty"`
}

// Opportunity is a named improvement suggestion produced by the Identify phase.
type Opportunity struct {
	ID               string             `json:"id"`
	Type             string             `json:"type"`
	Category         string             `json:"category"`
	Priority         string             `json:"priority"` // "high", "medium", "low"
	Description      string             `json:"description"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	SuggestedActions []string           `json:"suggestedActions"`
	Impact           string             `json:"impact"`
	Effort           string             `json:"effort"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// Solution is a concrete candidate module (code + metadata) addressing an Opportunity.
type Solution struct {
	ID            string     `json:"id"`
	OpportunityID string     `json:"opportunityId"`
	Type          string     `json:"type"`
	Description   string     `json:"description"`
	ModuleName    string     `json:"moduleName"`
	SourceCode    string     `json:"sourceCode"`
	ManifestTOML  string     `json:"manifestToml,omitempty"`
	Priority      string     `json:"priority"`
	TestStatus    TestStatus `json:"testStatus"`
	TestMessage   string     `json:"testMessage,omitempty"`
}

// IntegrationResult records the outcome of attempting to register one
// validated Solution as a running module.
type IntegrationResult struct {
	SolutionID      string `json:"solutionId"`
	ModuleName      string `json:"moduleName"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
	ProvenanceToken string `json:"provenanceToken,omitempty"`
}

// EvolutionCycle is the full record of one run of the six-phase pipeline.
type EvolutionCycle struct {
	ID            string              `json:"id"`
	StartedAt     time.Time           `json:"startedAt"`
	FinishedAt    time.Time           `json:"finishedAt"`
	Status        CycleStatus         `json:"status"`
	Analysis      *Analysis           `json:"analysis,omitempty"`
	Opportunities []Opportunity       `json:"opportunities,omitempty"`
	Solutions     []Solution          `json:"solutions,omitempty"`
	Integrations  []IntegrationResult `json:"integrations,omitempty"`
	Error         string              `json:"error,omitempty"`
	LearningNote  string              `json:"learningNote,omitempty"`
}

// GenerateOptions configures a TextGenerator.Generate call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
}

// TextGenerator is the capability the Identify and Generate phases consult
// when free-text reasoning is needed. Satisfied by internal/textgen's
// router; nil-able (both phases degrade gracefully without one).
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// TelemetrySource is the subset of telemetry.Store the Analyse phase reads.
type TelemetrySource interface {
	Snapshot() *telemetry.PerformanceAggregate
	History(n int) []telemetry.TaskRecord
	RecordEvolutionCycle()
	RecordModuleCreated()
}

// ModuleRegistrar is the subset of module.Manager the Integrate phase uses
// to bring a freshly loaded Solution into service.
type ModuleRegistrar interface {
	Register(mod module.Module, sourcePath string, sourceTimestamp time.Time) error
	Initialize(ctx context.Context, name string) error
	Activate(name string) error
	FindByCapability(capName string) []module.Module
}

// ModuleLoader is the subset of internal/loader's Loader the Integrate
// phase uses to turn a generated source file into a runnable Module.
type ModuleLoader interface {
	LoadGenerated(ctx context.Context, moduleName, sourcePath, manifestTOML string) (module.Module, error)
}

// Recorder observes Identify/Integrate decisions durably. Satisfied by
// internal/wal's WAL; nil-able.
type Recorder interface {
	Append(source string, action wal.ActionType, payload interface{}) error
}

package evolution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ellmago/ellma/internal/security"
	"github.com/ellmago/ellma/internal/wal"
)

// provenanceTokenTTL bounds how long a ProvenanceToken remains verifiable
// after a Solution is integrated.
const provenanceTokenTTL = 24 * time.Hour

// integrate runs the Integrate phase: for each validated Solution, consult
// the firewall, write its source to generated/<moduleName>.go, load it
// through ModuleLoader, and register it with ModuleManager. A single
// Solution's failure is recorded and does not abort the cycle.
func (e *Engine) integrate(ctx context.Context, cycleID string, solutions []Solution) []IntegrationResult {
	var results []IntegrationResult
	generatedDir := filepath.Join(e.dataDir, "generated")

	integratedThisCycle := 0
	for _, sol := range solutions {
		if ctx.Err() != nil {
			break
		}
		if sol.TestStatus != TestValidated {
			continue
		}
		if e.cfg.MaxModules > 0 && integratedThisCycle >= e.cfg.MaxModules {
			e.logger.Warn("skipping integration: max_modules reached this cycle", "solution", sol.ID, "max", e.cfg.MaxModules)
			results = append(results, IntegrationResult{
				SolutionID: sol.ID,
				ModuleName: sol.ModuleName,
				Success:    false,
				Error:      "max_modules limit reached for this cycle",
			})
			continue
		}

		result := e.integrateOne(ctx, cycleID, sol, generatedDir)
		results = append(results, result)
		if result.Success {
			integratedThisCycle++
		}
	}
	return results
}

func (e *Engine) integrateOne(ctx context.Context, cycleID string, sol Solution, generatedDir string) IntegrationResult {
	result := IntegrationResult{SolutionID: sol.ID, ModuleName: sol.ModuleName}

	allowed, reason, err := e.firewall.PreMutationCheck(sol.Priority, e.ownerApproval)
	if err != nil {
		result.Error = fmt.Sprintf("firewall check: %v", err)
		e.recordIntegrationDecision(cycleID, sol, result)
		return result
	}
	if !allowed {
		result.Error = "firewall declined integration: " + reason
		e.recordIntegrationDecision(cycleID, sol, result)
		return result
	}

	sourcePath := filepath.Join(generatedDir, sol.ModuleName+".go")
	if err := writeSourceAtomic(sourcePath, []byte(sol.SourceCode)); err != nil {
		result.Error = fmt.Sprintf("write generated source: %v", err)
		_ = e.firewall.PostMutationCheck(false)
		e.recordIntegrationDecision(cycleID, sol, result)
		return result
	}

	contentHash := blake2b.Sum256([]byte(sol.SourceCode))
	if len(e.provenanceSecret) > 0 {
		token, err := security.IssueProvenanceToken(sol.ModuleName, cycleID, fmt.Sprintf("%x", contentHash), e.provenanceSecret, provenanceTokenTTL)
		if err != nil {
			e.logger.Warn("issue provenance token failed", "module", sol.ModuleName, "error", err)
		} else {
			result.ProvenanceToken = token
		}
	}

	mod, err := e.loader.LoadGenerated(ctx, sol.ModuleName, sourcePath, sol.ManifestTOML)
	if err != nil {
		result.Error = fmt.Sprintf("load generated module: %v", err)
		_ = e.firewall.PostMutationCheck(false)
		e.recordIntegrationDecision(cycleID, sol, result)
		return result
	}

	if err := e.registrar.Register(mod, sourcePath, time.Now()); err != nil {
		result.Error = fmt.Sprintf("register module: %v", err)
		_ = e.firewall.PostMutationCheck(false)
		e.recordIntegrationDecision(cycleID, sol, result)
		return result
	}

	if err := e.registrar.Initialize(ctx, sol.ModuleName); err != nil {
		result.Error = fmt.Sprintf("initialize module: %v", err)
		_ = e.firewall.PostMutationCheck(false)
		e.recordIntegrationDecision(cycleID, sol, result)
		return result
	}
	if err := e.registrar.Activate(sol.ModuleName); err != nil {
		e.logger.Warn("activate generated module failed", "module", sol.ModuleName, "error", err)
	}

	if err := e.firewall.PostMutationCheck(true); err != nil {
		e.logger.Warn("circuit breaker tripped after integration", "module", sol.ModuleName, "error", err)
	}

	if e.telemetry != nil {
		e.telemetry.RecordModuleCreated()
	}

	result.Success = true
	e.recordIntegrationDecision(cycleID, sol, result)
	return result
}

func (e *Engine) recordIntegrationDecision(cycleID string, sol Solution, result IntegrationResult) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Append(cycleID, wal.ActionDecision, map[string]any{
		"solutionId": sol.ID,
		"moduleName": sol.ModuleName,
		"success":    result.Success,
		"error":      result.Error,
	}); err != nil {
		e.logger.Warn("record integration decision failed", "error", err)
	}
}

// learn runs the Learn phase: on any successful integration this cycle,
// the engine's own learning rate nudges upward, capped at 1.0.
func (e *Engine) learn(cycle *EvolutionCycle) {
	successCount := 0
	for _, ir := range cycle.Integrations {
		if ir.Success {
			successCount++
		}
	}
	if successCount == 0 {
		cycle.LearningNote = "no successful integrations this cycle; learning rate unchanged"
		return
	}

	e.historyMu.Lock()
	e.learningRate *= 1.1
	if e.learningRate > 1.0 {
		e.learningRate = 1.0
	}
	rate := e.learningRate
	e.historyMu.Unlock()

	cycle.LearningNote = fmt.Sprintf("%d integration(s) succeeded; learning rate raised to %.4f", successCount, rate)
}

func writeSourceAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".generated-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		os.Remove(tmpName)
		return closeErr
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

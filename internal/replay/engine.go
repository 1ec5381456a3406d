package replay

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ontopilot/ontopilot/internal/graph"
	"github.com/ontopilot/ontopilot/internal/models"
)

const outlierThresholdPercent = 50.0

type EngineConfig struct {
	Workers   int
	OpTimeout time.Duration
}

// Engine replays captured historical operations against a sandbox and records
// per-operation outcome and timing. A failing operation never aborts the
// batch; a hanging one is cut off by the per-operation timeout and recorded
// as a failure.
type Engine struct {
	client  graph.Client
	samples SampleSource
	cfg     EngineConfig
}

func NewEngine(client graph.Client, samples SampleSource, cfg EngineConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Engine{client: client, samples: samples, cfg: cfg}
}

// LoadSample re-reads a bounded, ordered sample of recorded operations for the
// tenant. Each call reads the source log again; the result is finite and not
// restartable.
func (e *Engine) LoadSample(ctx context.Context, tenantID string, window time.Duration, maxOps int) ([]models.RecordedOp, error) {
	if e.samples == nil {
		return nil, fmt.Errorf("no sample source configured")
	}
	return e.samples.Load(ctx, tenantID, window, maxOps)
}

// Replay executes every recorded operation against the sandbox. Operations
// sharing a partition key run in recorded order; independent partitions fan
// out to a bounded worker pool. Cancellation of ctx abandons the remaining
// operations, which are recorded as failures so partial results are never
// mistaken for a clean run.
func (e *Engine) Replay(ctx context.Context, handle *models.SandboxHandle, ops []models.RecordedOp) (models.ReplaySummary, error) {
	if handle == nil {
		return models.ReplaySummary{}, fmt.Errorf("nil sandbox handle")
	}
	if len(ops) == 0 {
		return models.ReplaySummary{}, nil
	}

	partitions := partition(ops)
	log.Printf("[replay] replaying %d ops across %d partitions against %s", len(ops), len(partitions), handle.ID)

	var (
		mu      sync.Mutex
		results = make([]models.ReplayResult, 0, len(ops))
		wg      sync.WaitGroup
		sem     = make(chan struct{}, e.cfg.Workers)
	)

	for _, part := range partitions {
		part := part
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, op := range part {
				res := e.replayOne(ctx, handle.Address, op)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return summarize(results), nil
}

func (e *Engine) replayOne(ctx context.Context, addr string, op models.RecordedOp) models.ReplayResult {
	res := models.ReplayResult{
		OperationID:    op.ID,
		BaselineMillis: op.BaselineMillis,
	}
	if err := ctx.Err(); err != nil {
		res.Error = fmt.Sprintf("abandoned: %v", err)
		return res
	}

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	start := time.Now()
	err := e.client.Execute(opCtx, addr, op.Statement, op.Params)
	res.SandboxMillis = float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	if op.BaselineMillis > 0 {
		res.ChangePercent = (res.SandboxMillis - op.BaselineMillis) / op.BaselineMillis * 100
	}
	return res
}

// DetectBreakingChanges classifies replay results: any failure is critical,
// any operation whose duration more than doubled is high.
func (e *Engine) DetectBreakingChanges(summary models.ReplaySummary) []models.BreakingChange {
	var changes []models.BreakingChange
	for _, r := range summary.Results {
		if !r.Success {
			changes = append(changes, models.BreakingChange{
				Severity:    models.BreakingCritical,
				OperationID: r.OperationID,
				Description: fmt.Sprintf("operation failed: %s", r.Error),
			})
			continue
		}
		if r.ChangePercent > 100 {
			changes = append(changes, models.BreakingChange{
				Severity:    models.BreakingHigh,
				OperationID: r.OperationID,
				Description: fmt.Sprintf("operation %.1f%% slower (%.1fms -> %.1fms)", r.ChangePercent, r.BaselineMillis, r.SandboxMillis),
			})
		}
	}
	return changes
}

// partition groups ops by partition key, preserving recorded order inside a
// group. Ops with an empty key are independent and each form their own group.
func partition(ops []models.RecordedOp) [][]models.RecordedOp {
	keyed := make(map[string][]models.RecordedOp)
	var order []string
	var singles [][]models.RecordedOp
	for _, op := range ops {
		if op.PartitionKey == "" {
			singles = append(singles, []models.RecordedOp{op})
			continue
		}
		if _, ok := keyed[op.PartitionKey]; !ok {
			order = append(order, op.PartitionKey)
		}
		keyed[op.PartitionKey] = append(keyed[op.PartitionKey], op)
	}
	parts := make([][]models.RecordedOp, 0, len(order)+len(singles))
	for _, k := range order {
		parts = append(parts, keyed[k])
	}
	return append(parts, singles...)
}

func summarize(results []models.ReplayResult) models.ReplaySummary {
	summary := models.ReplaySummary{
		Total:   len(results),
		Results: results,
	}
	var sum float64
	var measured int
	for _, r := range results {
		if !r.Success {
			summary.Failed++
			continue
		}
		summary.Succeeded++
		measured++
		sum += r.ChangePercent
		if r.ChangePercent < 0 {
			summary.Improved++
			if r.ChangePercent < summary.MaxImprovementPercent {
				summary.MaxImprovementPercent = r.ChangePercent
			}
		} else if r.ChangePercent > 0 {
			summary.Degraded++
			if r.ChangePercent > summary.MaxDegradationPercent {
				summary.MaxDegradationPercent = r.ChangePercent
			}
		}
		if math.Abs(r.ChangePercent) > outlierThresholdPercent {
			summary.Outliers = append(summary.Outliers, r)
		}
	}
	if measured > 0 {
		summary.MeanChangePercent = sum / float64(measured)
	}
	sort.Slice(summary.Outliers, func(i, j int) bool {
		return math.Abs(summary.Outliers[i].ChangePercent) > math.Abs(summary.Outliers[j].ChangePercent)
	})
	return summary
}

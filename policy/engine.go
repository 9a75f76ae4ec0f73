// Package policy evaluates Rego policies over a finalized topology.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cellar/internal/telemetry"
	"github.com/yairfalse/cellar/pkg/topology"
	"github.com/yairfalse/cellar/storage"
)

// PolicyQuery is the document every policy contributes to. Policies declare
// `package cellar` and add messages to the `deny` and `warn` sets.
const PolicyQuery = "data.cellar"

// PolicyEngine evaluates OPA policies against a topology, with the previous
// stored revision as context. Evaluation never changes the topology.
type PolicyEngine struct {
	mu      sync.RWMutex
	storage storage.SnapshotReader
	logger  *telemetry.Logger
	tracer  trace.Tracer
	modules map[string]string
	query   *rego.PreparedEvalQuery
}

// NewPolicyEngine creates a new policy engine. store may be nil.
func NewPolicyEngine(store storage.SnapshotReader, logger *telemetry.Logger) *PolicyEngine {
	if logger == nil {
		logger = telemetry.NewLogger("policy-engine")
	}
	return &PolicyEngine{
		storage: store,
		logger:  logger,
		tracer:  otel.Tracer("policy-engine"),
		modules: make(map[string]string),
	}
}

// LoadPolicy adds a Rego module and recompiles. A module that fails to
// compile is not kept.
func (pe *PolicyEngine) LoadPolicy(ctx context.Context, name string, regoCode string) error {
	ctx, span := pe.tracer.Start(ctx, "policy_engine.load_policy",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	pe.mu.Lock()
	defer pe.mu.Unlock()

	previous, existed := pe.modules[name]
	pe.modules[name] = regoCode

	if err := pe.compile(ctx); err != nil {
		if existed {
			pe.modules[name] = previous
		} else {
			delete(pe.modules, name)
		}
		pe.logger.WithContext(ctx).Error().
			Err(err).
			Str("policy_name", name).
			Msg("failed to compile policy")
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	pe.logger.WithContext(ctx).Debug().
		Str("policy_name", name).
		Msg("policy loaded")

	return nil
}

// LoadDefaultPolicies loads the embedded policies.
func (pe *PolicyEngine) LoadDefaultPolicies(ctx context.Context) error {
	modules, err := defaultModules()
	if err != nil {
		return fmt.Errorf("failed to read default policies: %w", err)
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := pe.LoadPolicy(ctx, name, modules[name]); err != nil {
			return fmt.Errorf("failed to load default policy %s: %w", name, err)
		}
	}
	return nil
}

// Policies returns the loaded policy names, sorted.
func (pe *PolicyEngine) Policies() []string {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	names := make([]string, 0, len(pe.modules))
	for name := range pe.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (pe *PolicyEngine) compile(ctx context.Context) error {
	opts := []func(*rego.Rego){rego.Query(PolicyQuery)}
	for name, code := range pe.modules {
		opts = append(opts, rego.Module(name, code))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return err
	}
	pe.query = &prepared
	return nil
}

// BuildPolicyInput flattens t into the policy input document and attaches
// the latest stored revision, if any.
func (pe *PolicyEngine) BuildPolicyInput(ctx context.Context, t *topology.Topology) (PolicyInput, error) {
	if t == nil {
		return PolicyInput{}, fmt.Errorf("failed to build policy input: topology is nil")
	}

	input := PolicyInput{
		Cluster:      t.Cluster.Name,
		Cells:        make([]string, 0, len(t.Cells)),
		ResourceSets: make([]ResourceSetInput, 0, len(t.ResourceSets)),
		Parameters:   make([]string, 0, len(t.Parameters)),
		Topology:     t,
		Timestamp:    time.Now().UTC(),
	}

	cellByID := make(map[string]string, len(t.Cells))
	for _, c := range t.Cells {
		input.Cells = append(input.Cells, c.Name)
		cellByID[c.LogicalID] = c.Name
	}
	for _, p := range t.Parameters {
		input.Parameters = append(input.Parameters, p.Name)
	}

	for _, rs := range t.ResourceSets {
		set := ResourceSetInput{
			Name:    rs.Name,
			Type:    string(rs.Type),
			Members: len(rs.Members),
			Cells:   []string{},
		}
		seen := make(map[string]bool)
		for _, m := range rs.Members {
			name := cellByID[m.ReadinessScope.LogicalID]
			if name != "" && !seen[name] {
				seen[name] = true
				set.Cells = append(set.Cells, name)
			}
		}
		input.ResourceSets = append(input.ResourceSets, set)
	}

	if pe.storage != nil {
		prev, err := pe.storage.Latest()
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			pe.logger.WithContext(ctx).Warn().
				Err(err).
				Msg("failed to read previous revision")
		case prev.Topology != nil:
			input.Previous = &PreviousInput{Revision: prev.Revision, Cells: []string{}}
			for _, c := range prev.Topology.Cells {
				input.Previous.Cells = append(input.Previous.Cells, c.Name)
			}
		}
	}

	return input, nil
}

// Evaluate runs all loaded policies against the input
func (pe *PolicyEngine) Evaluate(ctx context.Context, input PolicyInput) (*Decision, error) {
	ctx, span := pe.tracer.Start(ctx, "policy_engine.evaluate",
		trace.WithAttributes(attribute.String("cluster", input.Cluster)))
	defer span.End()

	pe.mu.RLock()
	query := pe.query
	policies := make([]string, 0, len(pe.modules))
	for name := range pe.modules {
		policies = append(policies, name)
	}
	pe.mu.RUnlock()
	sort.Strings(policies)

	decision := &Decision{Result: ResultAllow, Policies: policies}
	if query == nil {
		return decision, nil
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	decision.Findings = parseEvalResults(results)
	if len(decision.Denied()) > 0 {
		decision.Result = ResultDeny
	}

	pe.logger.WithContext(ctx).Info().
		Str("cluster", input.Cluster).
		Str("result", string(decision.Result)).
		Int("deny", len(decision.Denied())).
		Int("warn", len(decision.Warnings())).
		Strs("policies", policies).
		Msg("policy evaluation complete")

	return decision, nil
}

// EvaluateTopology builds the input for t and evaluates it.
func (pe *PolicyEngine) EvaluateTopology(ctx context.Context, t *topology.Topology) (*Decision, error) {
	input, err := pe.BuildPolicyInput(ctx, t)
	if err != nil {
		return nil, err
	}
	return pe.Evaluate(ctx, input)
}

// parseEvalResults reads the deny and warn sets out of data.cellar.
func parseEvalResults(results rego.ResultSet) []Finding {
	var findings []Finding
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		doc, ok := res.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		findings = append(findings, collect(SeverityDeny, doc["deny"])...)
		findings = append(findings, collect(SeverityWarn, doc["warn"])...)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity == SeverityDeny
		}
		return findings[i].Message < findings[j].Message
	})
	return findings
}

// collect accepts plain messages or objects with msg and artifact fields.
func collect(severity Severity, value interface{}) []Finding {
	items, ok := value.([]interface{})
	if !ok {
		return nil
	}

	findings := make([]Finding, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			findings = append(findings, Finding{Severity: severity, Message: v})
		case map[string]interface{}:
			f := Finding{Severity: severity}
			f.Message, _ = v["msg"].(string)
			f.Artifact, _ = v["artifact"].(string)
			if f.Message == "" {
				f.Message = fmt.Sprint(v)
			}
			findings = append(findings, f)
		default:
			findings = append(findings, Finding{Severity: severity, Message: fmt.Sprint(v)})
		}
	}
	return findings
}

// Package synth runs a synthesis: it builds a recovery controller from
// configuration and discovery, finalizes it, checks it against policy,
// records it and publishes the result.
package synth

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cellar/config"
	"github.com/yairfalse/cellar/internal/emitter"
	"github.com/yairfalse/cellar/internal/telemetry"
	"github.com/yairfalse/cellar/pkg/template"
	"github.com/yairfalse/cellar/pkg/topology"
	"github.com/yairfalse/cellar/policy"
	"github.com/yairfalse/cellar/storage"
	"github.com/yairfalse/cellar/wal"
)

// JournalDir is the journal directory below the state directory.
const JournalDir = "journal"

// ErrDigestMismatch is returned by Replay when the rebuilt topology differs
// from the one the run recorded.
var ErrDigestMismatch = errors.New("replayed topology does not match recorded digest")

// PolicyDeniedError is returned when a policy denies the topology.
type PolicyDeniedError struct {
	Findings []policy.Finding
}

func (e *PolicyDeniedError) Error() string {
	msgs := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		msgs = append(msgs, f.Message)
	}
	return "policy denied topology: " + strings.Join(msgs, "; ")
}

// Outcome is the result of a run. Unchanged is set when the topology matched
// the latest stored revision and no new revision was recorded.
type Outcome struct {
	emitter.Result
	Unchanged bool
}

// Pipeline wires the stages of a synthesis together.
type Pipeline struct {
	cfg       *config.Config
	discover  DiscovererFactory
	telemetry *telemetry.Provider
	logger    *telemetry.Logger

	store   storage.Storage
	journal *wal.WAL
	policy  *policy.PolicyEngine
	emitter emitter.Emitter

	opened  bool
	closers []func() error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDiscoverer replaces the AWS discoverers.
func WithDiscoverer(f DiscovererFactory) Option {
	return func(p *Pipeline) { p.discover = f }
}

// WithTelemetry records spans and metrics through tp.
func WithTelemetry(tp *telemetry.Provider) Option {
	return func(p *Pipeline) { p.telemetry = tp }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithEmitter replaces the emitters built from the output config.
func WithEmitter(e emitter.Emitter) Option {
	return func(p *Pipeline) { p.emitter = e }
}

// WithStorage replaces the snapshot store opened from the state config.
func WithStorage(s storage.Storage) Option {
	return func(p *Pipeline) { p.store = s }
}

// New creates a pipeline. It does no I/O; state is opened on first Run.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = telemetry.NewLogger(cfg.OTEL.ServiceName)
	}
	if p.discover == nil {
		p.discover = AWSDiscoverers(cfg.Discovery)
	}
	return p
}

// Store returns the snapshot store, opening state if needed.
func (p *Pipeline) Store(ctx context.Context) (storage.Storage, error) {
	if err := p.open(ctx); err != nil {
		return nil, err
	}
	return p.store, nil
}

// open sets up whatever is still missing. A failed open keeps what it
// already opened, so the next call resumes instead of opening twice.
func (p *Pipeline) open(ctx context.Context) error {
	if p.opened {
		return nil
	}

	if p.store == nil {
		store, err := storage.NewMVCCStorage(p.cfg.State.Dir)
		if err != nil {
			return fmt.Errorf("failed to open snapshot store: %w", err)
		}
		p.store = store
		p.closers = append(p.closers, func() error {
			p.store = nil
			return store.Close()
		})
	}

	if p.journal == nil {
		journal, err := wal.Open(p.journalDir())
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		p.journal = journal
		p.closers = append(p.closers, func() error {
			p.journal = nil
			return journal.Close()
		})
	}

	if p.policy == nil {
		engine := policy.NewPolicyEngine(p.store, p.logger)
		if !p.cfg.Policies.DisableDefault {
			if err := engine.LoadDefaultPolicies(ctx); err != nil {
				return err
			}
		}
		if p.cfg.Policies.Dir != "" {
			if err := engine.LoadPolicies(ctx, p.cfg.Policies.Dir); err != nil {
				return err
			}
		}
		p.policy = engine
	}

	if p.emitter == nil {
		e, err := BuildEmitter(ctx, p.cfg, p.telemetry)
		if err != nil {
			return err
		}
		p.emitter = e
		p.closers = append(p.closers, func() error {
			p.emitter = nil
			return e.Close()
		})
	}

	p.opened = true
	return nil
}

// Close releases everything the pipeline opened, in reverse order. Injected
// storage and emitters are left open. A later Run opens state again.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	p.policy = nil
	p.opened = false
	return errors.Join(errs...)
}

func (p *Pipeline) journalDir() string {
	return filepath.Join(p.cfg.State.Dir, JournalDir)
}

// Controller builds an unfinalized controller from the config and, when
// discovery is enabled, from every cell's discovered resources. It needs no
// state and is what validate and graph use.
func (p *Pipeline) Controller(ctx context.Context) (*topology.RecoveryController, error) {
	return p.build(ctx, nil)
}

// Run performs one synthesis.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	if err := p.open(ctx); err != nil {
		return nil, err
	}

	ctx, span := p.tracer().Start(ctx, "synth.run", trace.WithAttributes(
		attribute.String("cluster", p.cfg.ClusterName),
	))
	defer span.End()

	j, err := wal.Begin(p.journal, p.cfg.Props())
	if err != nil {
		return nil, err
	}
	out := &Outcome{}
	out.Run = j.Run()
	logger := p.logger.With().Str("run", out.Run).Logger()

	fail := func(cause error) (*Outcome, error) {
		if err := j.Failed(cause); err != nil {
			logger.Warn().Err(err).Msg("Failed to journal run failure")
		}
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		return nil, cause
	}

	var ctl *topology.RecoveryController
	err = p.stage(ctx, "build", func(ctx context.Context) error {
		var err error
		ctl, err = p.build(ctx, j)
		if err != nil {
			return err
		}
		return j.Record(ctl)
	})
	if err != nil {
		return fail(err)
	}

	err = p.stage(ctx, "finalize", func(context.Context) error {
		var err error
		out.Topology, err = ctl.Finalize()
		return err
	})
	if err != nil {
		return fail(err)
	}

	err = p.stage(ctx, "render", func(context.Context) error {
		var err error
		out.Template, err = template.Render(out.Topology, template.Options{Description: p.cfg.Output.Description})
		return err
	})
	if err != nil {
		return fail(err)
	}

	err = p.stage(ctx, "policy", func(ctx context.Context) error {
		var err error
		out.Decision, err = p.policy.EvaluateTopology(ctx, out.Topology)
		if err != nil {
			return err
		}
		p.recordFindings(ctx, out.Decision)
		for _, f := range out.Decision.Warnings() {
			logger.Warn().Str("artifact", f.Artifact).Msg(f.Message)
		}
		if denied := out.Decision.Denied(); len(denied) > 0 {
			return &PolicyDeniedError{Findings: denied}
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	err = p.stage(ctx, "store", func(ctx context.Context) error {
		return p.record(ctx, out)
	})
	if err != nil {
		return fail(err)
	}

	err = p.stage(ctx, "emit", func(ctx context.Context) error {
		return p.emitter.Emit(ctx, out.Result)
	})
	if err != nil {
		return fail(err)
	}

	summary := wal.RunSummary{
		Digest:        out.Digest,
		Revision:      out.Revision,
		Cells:         len(out.Topology.Cells),
		ResourceSets:  len(out.Topology.ResourceSets),
		Registrations: len(ctl.Registrations()),
	}
	if err := j.Finalized(summary); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("revision", out.Revision),
		attribute.Bool("unchanged", out.Unchanged),
	)
	logger.Info().
		Int64("revision", out.Revision).
		Str("digest", out.Digest).
		Int("changes", len(out.Diffs)).
		Bool("unchanged", out.Unchanged).
		Msg("Synthesis complete")
	return out, nil
}

// record diffs the topology against the latest snapshot and stores it as a
// new revision unless its digest is unchanged.
func (p *Pipeline) record(ctx context.Context, out *Outcome) error {
	digest, err := storage.Digest(out.Topology)
	if err != nil {
		return err
	}
	out.Digest = digest

	latest, err := p.store.Latest()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	var prev *topology.Topology
	if latest != nil {
		prev = latest.Topology
	}
	out.Diffs = topology.Diff(prev, out.Topology)

	if latest != nil && latest.Digest == digest {
		out.Unchanged = true
		out.Revision = latest.Revision
		return nil
	}

	rev, err := p.store.RecordSnapshot(out.Topology)
	if err != nil {
		return err
	}
	out.Revision = rev

	if p.cfg.State.Retain > 0 {
		if err := p.store.CompactWithContext(ctx, int64(p.cfg.State.Retain)); err != nil {
			return fmt.Errorf("failed to compact snapshots: %w", err)
		}
	}

	if p.telemetry != nil {
		p.telemetry.RecordRevision(ctx, p.cfg.ClusterName, rev)
		for _, d := range out.Diffs {
			p.telemetry.RecordChange(ctx, string(d.Type), string(d.Kind))
		}
	}
	return nil
}

// Replay rebuilds the topology of a journaled run and checks it against the
// digest the run recorded. An empty id replays the latest run. The outcome is
// returned even on a digest mismatch.
func (p *Pipeline) Replay(ctx context.Context, id string) (*Outcome, error) {
	_, span := p.tracer().Start(ctx, "synth.replay")
	defer span.End()

	run, err := wal.LoadRun(p.journalDir(), id)
	if err != nil {
		return nil, err
	}

	ctl, err := run.Controller(topology.WithLogger(p.logger.Logger))
	if err != nil {
		return nil, err
	}
	t, err := ctl.Finalize()
	if err != nil {
		return nil, fmt.Errorf("failed to finalize replayed run %s: %w", run.ID, err)
	}
	tpl, err := template.Render(t, template.Options{Description: p.cfg.Output.Description})
	if err != nil {
		return nil, err
	}
	digest, err := storage.Digest(t)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Result: emitter.Result{
		Run:      run.ID,
		Digest:   digest,
		Topology: t,
		Template: tpl,
	}}
	if run.Summary == nil {
		return out, nil
	}
	out.Revision = run.Summary.Revision
	if run.Summary.Digest != digest {
		return out, fmt.Errorf("run %s: %w (recorded %s, got %s)", run.ID, ErrDigestMismatch, run.Summary.Digest, digest)
	}
	return out, nil
}

// stage runs fn in its own span and records its duration.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer().Start(ctx, "synth."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if p.telemetry != nil {
		p.telemetry.RecordStage(ctx, name, time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.logger.LogSpanEnd(ctx, "synth."+name, err)
	return err
}

func (p *Pipeline) tracer() trace.Tracer {
	if p.telemetry != nil {
		return p.telemetry.Tracer()
	}
	return otel.Tracer("cellar/synth")
}

func (p *Pipeline) recordFindings(ctx context.Context, d *policy.Decision) {
	if p.telemetry == nil {
		return
	}
	if n := len(d.Denied()); n > 0 {
		p.telemetry.RecordFindings(ctx, string(policy.SeverityDeny), n)
	}
	if n := len(d.Warnings()); n > 0 {
		p.telemetry.RecordFindings(ctx, string(policy.SeverityWarn), n)
	}
}

func (p *Pipeline) controllerLogger() zerolog.Logger {
	return p.logger.With().Str("component", "controller").Logger()
}

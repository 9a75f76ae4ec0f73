package synth

import (
	"context"
	"fmt"

	"github.com/yairfalse/cellar/config"
	"github.com/yairfalse/cellar/internal/emitter"
	"github.com/yairfalse/cellar/internal/telemetry"
	"github.com/yairfalse/cellar/pkg/template"
)

// BuildEmitter creates the emitters the output config asks for. The template
// is always written; the graph, the S3 upload and the metrics textfile are
// optional. Metrics need a telemetry provider.
func BuildEmitter(ctx context.Context, cfg *config.Config, tp *telemetry.Provider) (*emitter.MultiEmitter, error) {
	format := template.Format(cfg.Output.Format)

	file, err := emitter.NewFileEmitter(cfg.Output.Path, format)
	if err != nil {
		return nil, err
	}
	emitters := []emitter.Emitter{file}

	if cfg.Output.Graph != "" {
		g, err := emitter.NewGraphEmitter(cfg.Output.GraphPath, emitter.GraphFormat(cfg.Output.Graph))
		if err != nil {
			return nil, err
		}
		emitters = append(emitters, g)
	}

	if cfg.Output.S3.Bucket != "" {
		s3, err := emitter.NewS3Emitter(ctx, emitter.S3Config{
			Bucket: cfg.Output.S3.Bucket,
			Key:    cfg.Output.S3.Key,
			Region: cfg.Output.S3.Region,
			Format: format,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 emitter: %w", err)
		}
		emitters = append(emitters, s3)
	}

	if tp != nil {
		prom, err := emitter.NewPrometheusEmitter(tp.Meter(), tp.Registry(), cfg.Output.MetricsTextfile)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics emitter: %w", err)
		}
		emitters = append(emitters, prom)
	}

	return emitter.NewMultiEmitter(emitters...), nil
}

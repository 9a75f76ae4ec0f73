package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LoadPolicies loads every .rego file under dir. Policy names are the file
// paths relative to dir without the extension.
func (pe *PolicyEngine) LoadPolicies(ctx context.Context, dir string) error {
	ctx, span := pe.tracer.Start(ctx, "policy_loader.load_policies",
		trace.WithAttributes(attribute.String("bundle_path", dir)))
	defer span.End()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("policy bundle path does not exist: %s", dir)
	}

	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		if err := pe.loadPolicyFile(ctx, dir, path); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	pe.logger.WithContext(ctx).Info().
		Str("bundle_path", dir).
		Int("count", count).
		Msg("loaded policy bundle")
	return nil
}

func (pe *PolicyEngine) loadPolicyFile(ctx context.Context, dir, filePath string) error {
	rel, err := relativePolicyPath(dir, filePath)
	if err != nil {
		return fmt.Errorf("invalid file path %s: %w", filePath, err)
	}

	content, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", filePath, err)
	}

	name := strings.TrimSuffix(filepath.ToSlash(rel), ".rego")
	if err := pe.LoadPolicy(ctx, name, string(content)); err != nil {
		return fmt.Errorf("failed to load policy %s from %s: %w", name, filePath, err)
	}
	return nil
}

// relativePolicyPath rejects paths that escape the bundle directory.
func relativePolicyPath(dir, filePath string) (string, error) {
	relPath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(filePath))
	if err != nil {
		return "", fmt.Errorf("failed to resolve relative path: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return relPath, nil
}

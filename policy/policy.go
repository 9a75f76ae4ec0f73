package policy

import (
	"embed"
	"io/fs"
	"path"
	"strings"
)

//go:embed defaults/*.rego
var defaultPolicies embed.FS

// defaultModules returns the embedded policies keyed by name.
func defaultModules() (map[string]string, error) {
	modules := make(map[string]string)
	err := fs.WalkDir(defaultPolicies, "defaults", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(p, ".rego") {
			return err
		}
		content, err := defaultPolicies.ReadFile(p)
		if err != nil {
			return err
		}
		modules["default/"+strings.TrimSuffix(path.Base(p), ".rego")] = string(content)
		return nil
	})
	return modules, err
}

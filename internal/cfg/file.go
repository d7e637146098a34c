package cfg

import (
	"flag"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set in the environment are left alone. An empty path is
// a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return xerrors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

// FillFromFile applies a flat YAML mapping of flag names to scalar values.
// Flags in explicit are skipped, unknown keys and nested values are errors.
// Run it before FillFromEnv so environment variables win over the file.
func FillFromFile(fs *flag.FlagSet, path string, explicit map[string]bool) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrapf(err, "read config file %s", path)
	}
	return fillFromYAML(fs, raw, explicit)
}

func fillFromYAML(fs *flag.FlagSet, raw []byte, explicit map[string]bool) error {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return xerrors.Wrap(err, "parse config yaml")
	}

	// deterministic order so error output is stable
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node := doc[name]
		if fs.Lookup(name) == nil {
			return xerrors.Newf("config file: unknown setting %q", name)
		}
		if node.Kind != yaml.ScalarNode {
			return xerrors.Newf("config file: setting %q must be a scalar", name)
		}
		if explicit[name] {
			continue
		}
		if err := fs.Set(name, node.Value); err != nil {
			return xerrors.Wrapf(err, "config file: invalid value for %q", name)
		}
	}
	return nil
}

// Describe renders the effective configuration as flag=value pairs for the
// startup log. Secrets are never stored in App, only references to them.
func Describe(fs *flag.FlagSet) []any {
	var kv []any
	fs.VisitAll(func(f *flag.Flag) {
		kv = append(kv, f.Name, f.Value.String())
	})
	return kv
}

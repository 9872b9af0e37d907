package cfg

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/therealbill/prober/internal/xerrors"
)

// FillFromFile sets flags that neither the CLI nor the environment set
// from a config file. Keys may be flag names (collection-interval or
// collection_interval), their PREFIX_ env names or the legacy alias names,
// so an .env file written for the environment works unchanged.
// Precedence: cli flag > env var > file > default.
func FillFromFile(fs *flag.FlagSet, path, prefix string, logf func(string, ...any)) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if isDotenv(path) {
		v.SetConfigType("env")
	}
	if err := v.ReadInConfig(); err != nil {
		return xerrors.Wrapf(err, "read config file %s", path)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "config" {
			return
		}
		key, ok := fileKey(v, prefix, f.Name)
		if !ok {
			return
		}
		val := stringify(v.Get(key))
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: key %s: %w", path, key, err))
			return
		}
		if logf != nil {
			logf("flag -%s: set from config file key %s", f.Name, key)
		}
	})
	if len(errs) > 0 {
		return xerrors.Join(errs...)
	}
	return nil
}

func isDotenv(path string) bool {
	base := filepath.Base(path)
	return base == ".env" || strings.HasSuffix(base, ".env")
}

// fileKey finds the first key the file sets for flag name. Viper keys are
// case-insensitive.
func fileKey(v *viper.Viper, prefix, name string) (string, bool) {
	candidates := []string{name, strings.ReplaceAll(name, "-", "_")}
	candidates = append(candidates, EnvKeys(prefix, name)...)
	for _, k := range candidates {
		if v.IsSet(k) {
			return k, true
		}
	}
	return "", false
}

// stringify renders a decoded value the way the flag would be typed, lists
// as comma separated.
func stringify(val any) string {
	if list, ok := val.([]any); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(val)
}

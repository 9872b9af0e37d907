package secret

import (
	"context"
	"os"

	"github.com/therealbill/prober/internal/xerrors"
)

// Env reads the secret from an environment variable named by the ref.
type Env struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (Env) Name() string { return "env" }

func (e Env) Resolve(_ context.Context, ref string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(ref)
	if !ok {
		return "", xerrors.Newf("environment variable %s is not set", ref)
	}
	return v, nil
}

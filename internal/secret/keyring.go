package secret

import (
	"context"
	"errors"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/therealbill/prober/internal/xerrors"
)

// Keyring reads service/key from the OS keyring (Keychain, Secret
// Service or Credential Manager).
type Keyring struct{}

func (Keyring) Name() string { return "keyring" }

func (Keyring) Resolve(_ context.Context, ref string) (string, error) {
	service, key, ok := strings.Cut(ref, "/")
	if !ok || service == "" || key == "" {
		return "", xerrors.Newf("keyring ref %q must be service/key", ref)
	}
	v, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", xerrors.Newf("keyring secret %s/%s not found", service, key)
	}
	if err != nil {
		return "", xerrors.Wrapf(err, "keyring get %s/%s", service, key)
	}
	return v, nil
}

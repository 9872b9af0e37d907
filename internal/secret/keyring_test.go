package secret

import (
	"context"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestKeyring(t *testing.T) {
	keyring.MockInit()
	if err := keyring.Set("prober", "smtp-password", "from-keyring"); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(Keyring{})
	ctx := context.Background()

	if v, err := r.Resolve(ctx, "secretref:keyring:prober/smtp-password"); err != nil || v != "from-keyring" {
		t.Fatalf("Resolve = %q, %v", v, err)
	}
	if _, err := r.Resolve(ctx, "secretref:keyring:prober/missing"); err == nil {
		t.Fatal("expected not found")
	}
	if _, err := r.Resolve(ctx, "secretref:keyring:no-slash"); err == nil {
		t.Fatal("expected malformed ref error")
	}
}

package log

import (
	"context"
	"testing"
)

func TestFromContext_Fallback(t *testing.T) {
	if _, ok := FromContext(context.Background()).(discard); !ok {
		t.Fatal("expected nop logger when none stored")
	}
}

func TestWithContext_RoundTrip(t *testing.T) {
	l := Nop().With("probe", "x")
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("FromContext did not return the stored logger")
	}
}

func TestNop_IsSilent(t *testing.T) {
	l := Nop()
	ctx := context.Background()
	l.Debug(ctx, "a")
	l.Info(ctx, "b")
	l.Warn(ctx, "c")
	l.Error(ctx, nil, "d")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync = %v", err)
	}
	if l.With("k", "v") == nil {
		t.Fatal("With returned nil")
	}
}

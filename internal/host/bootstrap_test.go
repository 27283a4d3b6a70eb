package host

import (
	"context"
	"testing"
)

func TestBootstrapVaultIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	admin := newIdentity(t)
	ctx := context.Background()

	created, err := h.executor.BootstrapVault(ctx, admin)
	if err != nil || !created {
		t.Fatalf("first bootstrap: created=%v err=%v", created, err)
	}
	created, err = h.executor.BootstrapVault(ctx, newIdentity(t))
	if err != nil || created {
		t.Fatalf("second bootstrap: created=%v err=%v", created, err)
	}

	view, err := NewQueries(h.executor.Program(), h.store).Vault(ctx)
	if err != nil {
		t.Fatalf("Vault: %v", err)
	}
	if view.State.Admin != pubkey(admin) {
		t.Fatalf("expected first admin to win, got %s", view.State.Admin)
	}
}

package osaccount

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestMemoryProvisioner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryProvisioner("dls")

	if err := m.EnsureAccount(ctx, "fac00001"); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureAccount(ctx, "fac00001"); err != nil {
		t.Fatalf("second EnsureAccount() error = %v", err)
	}
	if err := m.AddSupplementaryGroup(ctx, "fac00001", "mt1_1"); err == nil {
		t.Error("AddSupplementaryGroup() to a missing group should fail")
	}
	if err := m.EnsureGroup(ctx, "mt1_1"); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := m.AddSupplementaryGroup(ctx, "fac00001", "mt1_1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Groups("fac00001"); !slices.Equal(got, []string{"mt1_1"}) {
		t.Errorf("Groups() = %v", got)
	}

	boom := errors.New("boom")
	m.Fail("mt2_2", boom)
	if err := m.EnsureGroup(ctx, "mt2_2"); !errors.Is(err, boom) {
		t.Errorf("EnsureGroup() error = %v, want injected failure", err)
	}
}

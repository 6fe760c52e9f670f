package scheduler

import (
	"context"
	"errors"
	"slices"
	"testing"

	"pollcat/internal/pollcat"
)

func TestMemoryScheduler(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryScheduler("diamond")

	g, err := m.CheckGroup(ctx, "diag_x")
	if err != nil || g != nil {
		t.Fatalf("CheckGroup() = %v, %v; want absent", g, err)
	}
	if err := m.AddGroup(ctx, "diag_x", nil); !errors.Is(err, pollcat.ErrNoMembers) {
		t.Errorf("AddGroup(no members) error = %v", err)
	}
	if err := m.AddGroup(ctx, "diag_x", []string{"a"}); err != nil {
		t.Fatalf("AddGroup() error = %v", err)
	}
	if err := m.AddMembers(ctx, "diag_x", []string{"a", "b"}); err != nil {
		t.Fatalf("AddMembers() error = %v", err)
	}
	if got := m.Group("diag_x"); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("members = %v", got)
	}
	if got := m.Group("diamond"); !slices.Equal(got, []string{"diag_x"}) {
		t.Errorf("parent members = %v", got)
	}
}

func TestMemoryScheduler_LinkParent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryScheduler("diamond")
	m.FailGroup("diamond", errors.New("locked"))

	if err := m.AddGroup(ctx, "diag_x", []string{"a"}); err == nil {
		t.Fatal("AddGroup() succeeded with the parent failing")
	}
	if m.Group("diag_x") == nil {
		t.Fatal("group not created before the link failed")
	}
	if got := m.Group("diamond"); got != nil {
		t.Errorf("parent members = %v, want none", got)
	}

	m.FailGroup("diamond", nil)
	for range 2 {
		if err := m.LinkParent(ctx, "diag_x"); err != nil {
			t.Fatalf("LinkParent() error = %v", err)
		}
	}
	if got := m.Group("diamond"); !slices.Equal(got, []string{"diag_x"}) {
		t.Errorf("parent members = %v, want [diag_x]", got)
	}
	if err := m.LinkParent(ctx, "diag_missing"); !errors.Is(err, pollcat.ErrSchedulerCommand) {
		t.Errorf("LinkParent(missing) error = %v", err)
	}
}

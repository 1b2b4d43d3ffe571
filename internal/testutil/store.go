package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/store"
)

func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "craft-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return st, ctx
}

// SeedInstance creates an active REST instance named id.
func SeedInstance(t *testing.T, st *store.Store, ctx context.Context, id string) model.Instance {
	t.Helper()
	inst := model.Instance{
		ID:               id,
		Name:             id,
		Kind:             model.InstanceKindREST,
		BaseURL:          "https://review.example.com",
		CredentialRef:    id,
		ConnectionStatus: model.ConnectionConnected,
	}
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	if err := st.SetActiveInstance(ctx, id); err != nil {
		t.Fatalf("activate instance: %v", err)
	}
	inst.Active = true
	return inst
}

// SeedChange creates an imported change with patchSets patch sets, the last
// one current, and the given files on every patch set.
func SeedChange(t *testing.T, st *store.Store, ctx context.Context, instanceID, changeID string, patchSets int, paths ...string) model.Change {
	t.Helper()
	c := model.Change{
		ID:              changeID,
		InstanceID:      instanceID,
		RemoteID:        changeID,
		Project:         "demo",
		Branch:          "main",
		Subject:         "Change " + changeID,
		Status:          model.ChangeStatusNew,
		CurrentRevision: fmt.Sprintf("rev-%s-%d", changeID, patchSets),
		ImportStatus:    model.ImportImported,
	}
	if err := st.CreateChange(ctx, c); err != nil {
		t.Fatalf("seed change: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	for n := 1; n <= patchSets; n++ {
		ps := model.PatchSet{
			ChangeID:  changeID,
			Number:    n,
			Revision:  fmt.Sprintf("rev-%s-%d", changeID, n),
			Author:    "alice",
			CreatedAt: base.Add(time.Duration(n) * time.Minute),
		}
		if err := st.AppendPatchSet(ctx, ps); err != nil {
			t.Fatalf("seed patch set %d: %v", n, err)
		}
		files := make([]model.File, 0, len(paths))
		for _, p := range paths {
			files = append(files, model.File{Path: p, ChangeType: model.FileModified, LinesInserted: 3, LinesDeleted: 1})
		}
		if err := st.PutFiles(ctx, changeID, n, files); err != nil {
			t.Fatalf("seed files: %v", err)
		}
	}
	if patchSets > 0 {
		if err := st.SetCurrentPatchSet(ctx, changeID, patchSets); err != nil {
			t.Fatalf("seed current patch set: %v", err)
		}
	}
	got, err := st.GetChange(ctx, changeID)
	if err != nil {
		t.Fatalf("reload change: %v", err)
	}
	return *got
}

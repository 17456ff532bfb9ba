package store_test

import (
	"context"
	"errors"
	"testing"

	"storyforge/internal/store"
	"storyforge/internal/testsupport"
)

func TestUndoRestoresPreviousContent(t *testing.T) {
	st, tab := newBlockFixture(t)
	ctx := context.Background()

	block := testsupport.MustCreateBlock(t, st, tab.ID, store.BlockScene, "first draft")
	block, err := st.UpdateBlockContent(ctx, block.ID, "second draft", block.Version)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	restored, err := st.Undo(ctx, block.ID)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if restored.Content != "first draft" {
		t.Fatalf("content = %q, want first draft", restored.Content)
	}
	if restored.Version != 3 {
		t.Fatalf("version = %d; undo is additive, not a rewind", restored.Version)
	}

	entries, err := st.History(ctx, block.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 || entries[0].Action != store.ActionUndo {
		t.Fatalf("unexpected ledger %+v", entries)
	}
	// The edit entry is still there, untouched.
	if entries[1].Action != store.ActionEdit {
		t.Fatalf("second entry = %s, want edit", entries[1].Action)
	}
}

func TestUndoRestoresTags(t *testing.T) {
	st, tab := newBlockFixture(t)
	ctx := context.Background()

	block := testsupport.MustCreateBlock(t, st, tab.ID, store.BlockScene, "scene")
	block, err := st.AddTag(ctx, block.ID, "act-one", block.Version)
	if err != nil {
		t.Fatalf("add tag: %v", err)
	}

	restored, err := st.Undo(ctx, block.ID)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if restored.Tags.Has("act-one") {
		t.Fatalf("tags = %v; undo must restore the prior tag set", restored.Tags)
	}
}

func TestUndoOnFreshBlockFails(t *testing.T) {
	st, tab := newBlockFixture(t)

	block := testsupport.MustCreateBlock(t, st, tab.ID, store.BlockScene, "only state")
	_, err := st.Undo(context.Background(), block.ID)
	if !errors.Is(err, store.ErrNothingToUndo) {
		t.Fatalf("err = %v, want ErrNothingToUndo", err)
	}
}

func TestBranchClonesSubtree(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	project := testsupport.MustCreateProject(t, st, cfg, "western")
	tab := testsupport.MustCreateTab(t, st, project.ID, "script")

	root := testsupport.MustCreateBlock(t, st, tab.ID, store.BlockOutline, "act one")
	child, err := st.CreateBlock(ctx, tab.ID, root.ID, store.BlockScene, "opening scene", nil)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	grandchild, err := st.CreateBlock(ctx, tab.ID, child.ID, store.BlockShot, "crane shot", nil)
	if err != nil {
		t.Fatalf("create grandchild: %v", err)
	}
	root, err = st.UpdateBlockContent(ctx, root.ID, "act one, revised", root.Version)
	if err != nil {
		t.Fatalf("update root: %v", err)
	}

	clone, err := st.Branch(ctx, root.ID)
	if err != nil {
		t.Fatalf("branch: %v", err)
	}

	if clone.ID == root.ID {
		t.Fatal("clone must get a fresh id")
	}
	if clone.Content != "act one, revised" || clone.Version != 1 {
		t.Fatalf("unexpected clone %+v", clone)
	}

	entries, err := st.History(ctx, clone.ID)
	if err != nil {
		t.Fatalf("clone history: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != store.ActionBranch || entries[0].Payload.SourceID != root.ID {
		t.Fatalf("unexpected clone ledger %+v", entries[0])
	}

	// Source history is untouched.
	if got := mustHistoryLen(t, st, root.ID); got != 2 {
		t.Fatalf("source history entries = %d, want 2", got)
	}

	// The whole subtree came along under re-linked parents.
	all, err := st.BlocksByTab(ctx, tab.ID)
	if err != nil {
		t.Fatalf("blocks by tab: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("got %d blocks, want 6", len(all))
	}
	var clonedChild *store.Block
	for _, b := range all {
		if b.ParentID == clone.ID {
			clonedChild = b
		}
	}
	if clonedChild == nil || clonedChild.Content != "opening scene" {
		t.Fatalf("cloned child missing or wrong: %+v", clonedChild)
	}
	var clonedGrandchild *store.Block
	for _, b := range all {
		if b.ParentID == clonedChild.ID {
			clonedGrandchild = b
		}
	}
	if clonedGrandchild == nil || clonedGrandchild.Content != grandchild.Content {
		t.Fatalf("cloned grandchild missing or wrong: %+v", clonedGrandchild)
	}

	// Editing the clone leaves the source alone.
	if _, err := st.UpdateBlockContent(ctx, clone.ID, "divergent take", clone.Version); err != nil {
		t.Fatalf("edit clone: %v", err)
	}
	source, err := st.GetBlock(ctx, root.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if source.Content != "act one, revised" {
		t.Fatalf("source content changed: %q", source.Content)
	}
}

package testsupport

import (
	"context"
	"testing"

	"storyforge/internal/assets"
	"storyforge/internal/config"
	"storyforge/internal/logging"
	"storyforge/internal/store"
)

// MustOpenStore opens a store against the test config and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()
	if cfg == nil {
		cfg = NewConfig(t)
	}
	st, err := store.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return st
}

// MustOpenCache builds an asset cache over the store with the configured
// reuse threshold.
func MustOpenCache(t testing.TB, st *store.Store, cfg *config.Config) *assets.Cache {
	t.Helper()
	threshold := 0.85
	if cfg != nil {
		threshold = cfg.Assets.ReuseThreshold
	}
	return assets.NewCache(st, threshold, logging.NewNop())
}

// MustCreateProject creates a project rooted in the config's project root.
func MustCreateProject(t testing.TB, st *store.Store, cfg *config.Config, name string) *store.Project {
	t.Helper()
	project, err := st.CreateProject(context.Background(), name, cfg.Paths.ProjectRoot)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

// MustCreateTab creates a tab on the given project.
func MustCreateTab(t testing.TB, st *store.Store, projectID int64, name string) *store.Tab {
	t.Helper()
	tab, err := st.CreateTab(context.Background(), projectID, name, 0)
	if err != nil {
		t.Fatalf("create tab: %v", err)
	}
	return tab
}

// MustCreateBlock creates a block with no parent and no tags.
func MustCreateBlock(t testing.TB, st *store.Store, tabID int64, blockType store.BlockType, content string) *store.Block {
	t.Helper()
	block, err := st.CreateBlock(context.Background(), tabID, 0, blockType, content, nil)
	if err != nil {
		t.Fatalf("create block: %v", err)
	}
	return block
}

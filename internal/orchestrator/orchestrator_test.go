package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"storyforge/internal/assets"
	"storyforge/internal/config"
	"storyforge/internal/graph"
	"storyforge/internal/orchestrator"
	"storyforge/internal/services"
	"storyforge/internal/services/mediagen"
	"storyforge/internal/store"
	"storyforge/internal/testsupport"
)

type fakeText struct {
	response string
	err      error
	calls    int
	prompts  []string
	tiers    []config.Tier
}

func (f *fakeText) Generate(_ context.Context, prompt, _ string, tier config.Tier) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.tiers = append(f.tiers, tier)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeMedia struct {
	result *mediagen.Result
	err    error
	calls  int
	refs   int
}

func (f *fakeMedia) Generate(_ context.Context, _ string, _ mediagen.Kind, _ config.Tier, refs []mediagen.Reference) (*mediagen.Result, error) {
	f.calls++
	f.refs = len(refs)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeEmbed struct {
	vector []float64
	err    error
}

func (f *fakeEmbed) Embed(context.Context, string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type fixture struct {
	cfg     *config.Config
	st      *store.Store
	gm      *graph.Manager
	cache   *assets.Cache
	project *store.Project
	tab     *store.Tab
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	project := testsupport.MustCreateProject(t, st, cfg, "western")
	tab := testsupport.MustCreateTab(t, st, project.ID, "script")
	return &fixture{
		cfg:     cfg,
		st:      st,
		gm:      graph.NewManager(st.DB(), nil),
		cache:   testsupport.MustOpenCache(t, st, cfg),
		project: project,
		tab:     tab,
	}
}

func (f *fixture) orchestrator(text orchestrator.TextGenerator, media orchestrator.MediaGenerator, embedder orchestrator.Embedder) *orchestrator.Orchestrator {
	return orchestrator.New(f.st, f.gm, f.cache, text, media, embedder, f.cfg.Tiers, nil)
}

func TestDispatchTextCommitsNewVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	character := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockCharacter, "the drifter, laconic")
	scene := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockScene, "write the saloon scene")
	board := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockShot, "storyboard")
	if err := f.gm.AddDependency(ctx, character.ID, scene.ID, "features"); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := f.gm.AddDependency(ctx, scene.ID, board.ID, "boards"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	// Upstream edit marks the scene stale, then a regeneration clears it.
	if _, err := f.st.UpdateBlockContent(ctx, character.ID, "the drifter, talkative", character.Version); err != nil {
		t.Fatalf("edit character: %v", err)
	}

	text := &fakeText{response: "INT. SALOON - NIGHT\nThe drifter talks."}
	orch := f.orchestrator(text, nil, nil)

	committed, err := orch.Dispatch(ctx, orchestrator.Request{BlockID: scene.ID, Mode: orchestrator.ModeDraft})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if committed.Content != text.response {
		t.Fatalf("content = %q", committed.Content)
	}
	if committed.Version != 2 {
		t.Fatalf("version = %d, want 2", committed.Version)
	}
	if committed.NeedsRegen() || committed.Generating {
		t.Fatal("commit must clear needs_regen and the in-flight marker")
	}
	if text.calls != 1 || text.tiers[0].TextModel != f.cfg.Tiers.Draft.TextModel {
		t.Fatalf("provider calls = %d with tier %+v", text.calls, text.tiers)
	}

	links, err := f.st.BlockAssets(ctx, scene.ID)
	if err != nil {
		t.Fatalf("block assets: %v", err)
	}
	if len(links) != 1 || links[0].Role != store.RolePreview {
		t.Fatalf("generated text not cached as a linked asset: %+v", links)
	}

	entries, err := f.st.History(ctx, scene.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entries[0].Action != store.ActionAIGenerate {
		t.Fatalf("latest action = %s", entries[0].Action)
	}
	if entries[0].Payload.Prompt == "" || entries[0].Payload.Prompt != text.prompts[0] {
		t.Fatalf("ledger prompt %q != dispatched prompt %q", entries[0].Payload.Prompt, text.prompts[0])
	}

	// The regenerated scene invalidates its own downstream.
	refreshed, err := f.st.GetBlock(ctx, board.ID)
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	if !refreshed.NeedsRegen() {
		t.Fatal("downstream block not invalidated after commit")
	}
}

func TestDispatchResolvesUpstreamContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	character := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockCharacter, "the drifter, laconic")
	scene := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockScene, "write the saloon scene")
	if err := f.gm.AddDependency(ctx, character.ID, scene.ID, "features"); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	text := &fakeText{response: "scene text"}
	orch := f.orchestrator(text, nil, nil)
	if _, err := orch.Dispatch(ctx, orchestrator.Request{BlockID: scene.ID, Mode: orchestrator.ModeDraft}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	prompt := text.prompts[0]
	for _, want := range []string{"the drifter, laconic", "write the saloon scene"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt %q missing %q", prompt, want)
		}
	}
}

func TestDispatchTextReusesIdenticalPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockScene, "write the saloon scene")

	text := &fakeText{response: "INT. SALOON - NIGHT"}
	orch := f.orchestrator(text, nil, &fakeEmbed{vector: []float64{1, 0, 0}})

	first, err := orch.Dispatch(ctx, orchestrator.Request{BlockID: block.ID, Mode: orchestrator.ModeDraft})
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if text.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", text.calls)
	}

	// Same resolved prompt, so the cached result comes back without a call.
	second, err := orch.Dispatch(ctx, orchestrator.Request{BlockID: block.ID, Mode: orchestrator.ModeDraft})
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if text.calls != 1 {
		t.Fatalf("provider calls = %d after redispatch, want 1", text.calls)
	}
	if second.Content != first.Content {
		t.Fatalf("reused content %q != original %q", second.Content, first.Content)
	}

	entries, err := f.st.History(ctx, block.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !entries[0].Payload.Reused {
		t.Fatal("ledger must record the reuse")
	}
	if entries[0].Payload.AssetID == 0 || entries[0].Payload.AssetID != entries[1].Payload.AssetID {
		t.Fatalf("both entries must reference the same asset: %+v vs %+v",
			entries[0].Payload, entries[1].Payload)
	}
}

func TestDispatchProviderFailureLeavesBlockUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockScene, "v1")

	providerErr := &services.Failure{Op: "textgen generate", Kind: services.KindRateLimited, StatusCode: 429}
	orch := f.orchestrator(&fakeText{err: providerErr}, nil, nil)

	_, err := orch.Dispatch(ctx, orchestrator.Request{BlockID: block.ID, Mode: orchestrator.ModeDraft})
	var recoverable *orchestrator.RecoverableError
	if !errors.As(err, &recoverable) {
		t.Fatalf("err = %v, want RecoverableError", err)
	}
	if kind, ok := services.Classify(err); !ok || kind != services.KindRateLimited {
		t.Fatalf("classification lost through wrapping: %v", err)
	}

	current, err := f.st.GetBlock(ctx, block.ID)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if current.Version != 1 || current.Content != "v1" || current.Generating {
		t.Fatalf("block changed after failed job: %+v", current)
	}
	entries, err := f.st.History(ctx, block.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("history entries = %d; failed jobs must write nothing", len(entries))
	}

	// The marker was released, so a retry goes straight through.
	orch = f.orchestrator(&fakeText{response: "v2"}, nil, nil)
	if _, err := orch.Dispatch(ctx, orchestrator.Request{BlockID: block.ID, Mode: orchestrator.ModeDraft}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestDispatchRejectsConcurrentJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockScene, "busy")
	if err := f.st.TryBeginGeneration(ctx, block.ID); err != nil {
		t.Fatalf("begin generation: %v", err)
	}

	orch := f.orchestrator(&fakeText{response: "x"}, nil, nil)
	_, err := orch.Dispatch(ctx, orchestrator.Request{BlockID: block.ID, Mode: orchestrator.ModeDraft})
	if !errors.Is(err, store.ErrGenerationInProgress) {
		t.Fatalf("err = %v, want ErrGenerationInProgress", err)
	}
}

func TestDispatchRejectsArchivedBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockScene, "cut")
	if _, err := f.st.ArchiveBlock(ctx, block.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	orch := f.orchestrator(&fakeText{response: "x"}, nil, nil)
	_, err := orch.Dispatch(ctx, orchestrator.Request{BlockID: block.ID, Mode: orchestrator.ModeDraft})
	if !errors.Is(err, orchestrator.ErrArchived) {
		t.Fatalf("err = %v, want ErrArchived", err)
	}
}

func TestDispatchRejectsUnknownMode(t *testing.T) {
	f := newFixture(t)

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockScene, "scene")
	orch := f.orchestrator(&fakeText{response: "x"}, nil, nil)

	_, err := orch.Dispatch(context.Background(), orchestrator.Request{BlockID: block.ID, Mode: "cinematic"})
	if !errors.Is(err, orchestrator.ErrUnknownMode) {
		t.Fatalf("err = %v, want ErrUnknownMode", err)
	}
}

func TestDispatchMediaStoresAndLinksAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockShot, "wide shot of the mesa")

	media := &fakeMedia{result: &mediagen.Result{
		Data:     []byte("png bytes"),
		MimeType: "image/png",
		Model:    "test-image-model",
	}}
	orch := f.orchestrator(nil, media, &fakeEmbed{vector: []float64{1, 0, 0}})

	committed, err := orch.Dispatch(ctx, orchestrator.Request{
		BlockID: block.ID,
		Mode:    orchestrator.ModeFinal,
		Media:   mediagen.KindImage,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if committed.Version != 2 {
		t.Fatalf("version = %d, want 2", committed.Version)
	}

	links, err := f.st.BlockAssets(ctx, block.ID)
	if err != nil {
		t.Fatalf("block assets: %v", err)
	}
	if len(links) != 1 || links[0].Role != store.RoleFinal {
		t.Fatalf("unexpected links %+v", links)
	}
	if links[0].Asset.Meta.Model != "test-image-model" || len(links[0].Asset.Meta.Embedding) == 0 {
		t.Fatalf("asset meta incomplete: %+v", links[0].Asset.Meta)
	}
	if err := f.cache.Verify(ctx, links[0].AssetID); err != nil {
		t.Fatalf("verify stored asset: %v", err)
	}
}

func TestDispatchMediaReusesSimilarAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cached, err := f.cache.Store(ctx, f.project.ID, []byte("cached render"), "mesa.png", store.AssetMeta{
		Prompt:    "wide shot of the mesa at dusk",
		Embedding: []float64{1, 0, 0},
		Model:     "test-image-model",
		Kind:      "image",
	})
	if err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockShot, "wide shot of the mesa")
	media := &fakeMedia{result: &mediagen.Result{Data: []byte("fresh"), MimeType: "image/png"}}
	orch := f.orchestrator(nil, media, &fakeEmbed{vector: []float64{1, 0.01, 0}})

	if _, err := orch.Dispatch(ctx, orchestrator.Request{
		BlockID: block.ID,
		Mode:    orchestrator.ModeDraft,
		Media:   mediagen.KindImage,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if media.calls != 0 {
		t.Fatalf("provider called %d times; reuse must skip it", media.calls)
	}

	links, err := f.st.BlockAssets(ctx, block.ID)
	if err != nil {
		t.Fatalf("block assets: %v", err)
	}
	if len(links) != 1 || links[0].AssetID != cached.ID {
		t.Fatalf("unexpected links %+v", links)
	}

	entries, err := f.st.History(ctx, block.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !entries[0].Payload.Reused {
		t.Fatal("ledger entry must record the reuse")
	}
}

func TestDispatchMediaForceBypassesReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.cache.Store(ctx, f.project.ID, []byte("cached render"), "mesa.png", store.AssetMeta{
		Embedding: []float64{1, 0, 0},
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockShot, "wide shot of the mesa")
	media := &fakeMedia{result: &mediagen.Result{Data: []byte("fresh render"), MimeType: "image/png"}}
	orch := f.orchestrator(nil, media, &fakeEmbed{vector: []float64{1, 0, 0}})

	if _, err := orch.Dispatch(ctx, orchestrator.Request{
		BlockID: block.ID,
		Mode:    orchestrator.ModeDraft,
		Media:   mediagen.KindImage,
		Force:   true,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if media.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", media.calls)
	}
}

func TestDispatchMediaPassesReferenceAssets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block := testsupport.MustCreateBlock(t, f.st, f.tab.ID, store.BlockShot, "match this style")
	ref, err := f.cache.Store(ctx, f.project.ID, []byte("style frame"), "style.png", store.AssetMeta{})
	if err != nil {
		t.Fatalf("store reference: %v", err)
	}
	if err := f.st.LinkAsset(ctx, block.ID, ref.ID, store.RoleReference); err != nil {
		t.Fatalf("link reference: %v", err)
	}

	media := &fakeMedia{result: &mediagen.Result{Data: []byte("render"), MimeType: "image/png"}}
	orch := f.orchestrator(nil, media, nil)

	if _, err := orch.Dispatch(ctx, orchestrator.Request{
		BlockID: block.ID,
		Mode:    orchestrator.ModeDraft,
		Media:   mediagen.KindImage,
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if media.refs != 1 {
		t.Fatalf("references passed = %d, want 1", media.refs)
	}
}

func TestSelectTier(t *testing.T) {
	f := newFixture(t)
	orch := f.orchestrator(&fakeText{}, nil, nil)

	draft, err := orch.SelectTier(orchestrator.ModeDraft)
	if err != nil {
		t.Fatalf("draft tier: %v", err)
	}
	final, err := orch.SelectTier(orchestrator.ModeFinal)
	if err != nil {
		t.Fatalf("final tier: %v", err)
	}
	if draft.TextModel == final.TextModel {
		t.Fatalf("tiers not distinguished: draft %q final %q", draft.TextModel, final.TextModel)
	}
	if _, err := orch.SelectTier("premium"); !errors.Is(err, orchestrator.ErrUnknownMode) {
		t.Fatalf("err = %v, want ErrUnknownMode", err)
	}
}

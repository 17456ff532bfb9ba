// Package orchestrator coordinates AI generation jobs over the content graph.
//
// A job flows through a fixed pipeline: acquire the block's in-flight marker,
// resolve upstream context into a prompt, call the provider for the requested
// tier, persist the result, and commit the new version atomically. Failure at
// any point releases the marker and leaves the block byte-for-byte as it was.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"storyforge/internal/assets"
	"storyforge/internal/config"
	"storyforge/internal/graph"
	"storyforge/internal/services/mediagen"
	"storyforge/internal/store"
)

// Generation modes. The tier table recognizes exactly these two; any other
// mode is rejected before a job starts.
const (
	ModeDraft = "draft"
	ModeFinal = "final"
)

// ErrUnknownMode indicates a dispatch with a mode outside the tier table.
var ErrUnknownMode = errors.New("unknown generation mode")

// ErrArchived indicates a dispatch against a soft-deleted block.
var ErrArchived = errors.New("block is archived")

// ErrAlreadyInProgress is the dispatch-level name for the store's in-flight
// guard, so callers need not reach into the store package to match it.
var ErrAlreadyInProgress = store.ErrGenerationInProgress

// RecoverableError wraps a provider failure that left no trace in the
// project: the job may simply be dispatched again.
type RecoverableError struct {
	JobID   string
	BlockID int64
	Err     error
}

func (e *RecoverableError) Error() string {
	return fmt.Sprintf("job %s (block %d): %v", e.JobID, e.BlockID, e.Err)
}

func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// TextGenerator produces text for a prompt at a given tier.
type TextGenerator interface {
	Generate(ctx context.Context, prompt, systemPrompt string, tier config.Tier) (string, error)
}

// MediaGenerator produces binary media for a prompt at a given tier.
type MediaGenerator interface {
	Generate(ctx context.Context, prompt string, kind mediagen.Kind, tier config.Tier, refs []mediagen.Reference) (*mediagen.Result, error)
}

// Embedder converts a prompt into a similarity vector for reuse matching.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Request describes one generation job.
type Request struct {
	BlockID int64
	// Mode selects the tier: ModeDraft or ModeFinal.
	Mode string
	// Media selects a media kind; empty means text generation.
	Media mediagen.Kind
	// SystemPrompt is prepended to text generation requests.
	SystemPrompt string
	// Force skips the asset reuse check and always calls the provider.
	Force bool
}

// Orchestrator runs generation jobs against a project.
type Orchestrator struct {
	store    *store.Store
	graph    *graph.Manager
	cache    *assets.Cache
	text     TextGenerator
	media    MediaGenerator
	embedder Embedder
	tiers    config.Tiers
	log      *slog.Logger
}

// New constructs an Orchestrator. Media and embedder may be nil when the
// deployment is text-only; text is required.
func New(st *store.Store, gm *graph.Manager, cache *assets.Cache, text TextGenerator, media MediaGenerator, embedder Embedder, tiers config.Tiers, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		graph:    gm,
		cache:    cache,
		text:     text,
		media:    media,
		embedder: embedder,
		tiers:    tiers,
		log:      logger,
	}
}

// SelectTier maps a mode onto the configured tier table.
func (o *Orchestrator) SelectTier(mode string) (config.Tier, error) {
	switch mode {
	case ModeDraft:
		return o.tiers.Draft, nil
	case ModeFinal:
		return o.tiers.Final, nil
	default:
		return config.Tier{}, fmt.Errorf("mode %q: %w", mode, ErrUnknownMode)
	}
}

// Context is the resolved upstream input for a generation job.
type Context struct {
	// Prompt is the normalized prompt text sent to the provider and
	// recorded verbatim in the ledger.
	Prompt string
	// References are the block's reference-role assets, loaded from disk.
	References []mediagen.Reference
}

// ResolveContext walks the block's incoming dependency edges and reference
// assets and assembles the prompt a generation job will use.
func (o *Orchestrator) ResolveContext(ctx context.Context, blockID int64) (*Context, error) {
	block, err := o.store.GetBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}

	var sections []string
	edges, err := o.graph.Dependents(ctx, blockID)
	if err != nil {
		return nil, err
	}
	for _, edge := range edges {
		upstream, err := o.store.GetBlock(ctx, edge.Src)
		if err != nil {
			return nil, err
		}
		if upstream.Archived() || strings.TrimSpace(upstream.Content) == "" {
			continue
		}
		label := string(upstream.Type)
		if edge.Type != "" {
			label = edge.Type
		}
		sections = append(sections, fmt.Sprintf("[%s]\n%s", label, upstream.Content))
	}
	sections = append(sections, block.Content)

	resolved := &Context{Prompt: normalizePrompt(strings.Join(sections, "\n\n"))}

	if o.cache != nil {
		links, err := o.store.BlockAssets(ctx, blockID)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if link.Role != store.RoleReference {
				continue
			}
			data, err := o.cache.ReadBytes(ctx, link.Asset)
			if err != nil {
				var integrity *assets.IntegrityError
				if errors.As(err, &integrity) {
					o.log.Warn("skipping corrupt reference asset", "block", blockID, "asset", link.AssetID, "reason", integrity.Reason)
					continue
				}
				return nil, err
			}
			resolved.References = append(resolved.References, mediagen.Reference{
				Data:     data,
				MimeType: link.Asset.MimeType,
			})
		}
	}
	return resolved, nil
}

// Dispatch runs one generation job to completion. At most one job per block
// is admitted; a concurrent dispatch fails fast with
// store.ErrGenerationInProgress. Provider failures and cancellation release
// the block untouched and come back as RecoverableError.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (*store.Block, error) {
	block, err := o.store.GetBlock(ctx, req.BlockID)
	if err != nil {
		return nil, err
	}
	if block.Archived() {
		return nil, fmt.Errorf("block %d: %w", req.BlockID, ErrArchived)
	}
	tier, err := o.SelectTier(req.Mode)
	if err != nil {
		return nil, err
	}

	if err := o.store.TryBeginGeneration(ctx, req.BlockID); err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	o.log.Info("generation started", "job", jobID, "block", req.BlockID, "mode", req.Mode, "media", string(req.Media))

	result, err := o.run(ctx, jobID, block, tier, req)
	if err != nil {
		if endErr := o.store.EndGeneration(context.WithoutCancel(ctx), req.BlockID); endErr != nil {
			o.log.Error("release in-flight marker", "job", jobID, "block", req.BlockID, "error", endErr)
		}
		o.log.Warn("generation failed", "job", jobID, "block", req.BlockID, "error", err)
		return nil, &RecoverableError{JobID: jobID, BlockID: req.BlockID, Err: err}
	}

	committed, err := o.store.CommitGeneration(ctx, *result)
	if err != nil {
		if endErr := o.store.EndGeneration(context.WithoutCancel(ctx), req.BlockID); endErr != nil {
			o.log.Error("release in-flight marker", "job", jobID, "block", req.BlockID, "error", endErr)
		}
		return nil, fmt.Errorf("commit generation: %w", err)
	}

	o.log.Info("generation committed", "job", jobID, "block", req.BlockID,
		"version", committed.Version, "reused", result.Reused)
	return committed, nil
}

func (o *Orchestrator) run(ctx context.Context, jobID string, block *store.Block, tier config.Tier, req Request) (*store.GenerationResult, error) {
	resolved, err := o.ResolveContext(ctx, block.ID)
	if err != nil {
		return nil, err
	}

	if req.Media == "" {
		return o.runText(ctx, jobID, block, resolved, tier, req)
	}
	return o.runMedia(ctx, jobID, block, resolved, tier, req)
}

// kindText marks assets produced by text generation in the reuse index.
const kindText = "text"

func (o *Orchestrator) runText(ctx context.Context, jobID string, block *store.Block, resolved *Context, tier config.Tier, req Request) (*store.GenerationResult, error) {
	if o.text == nil {
		return nil, errors.New("no text generator configured")
	}

	embedding := o.embedPrompt(ctx, jobID, block.ID, resolved.Prompt)

	if o.cache != nil {
		project, err := o.projectFor(ctx, block)
		if err != nil {
			return nil, err
		}

		if candidate := o.reuse(ctx, jobID, block.ID, project.ID, kindText, embedding, req); candidate != nil {
			data, err := o.cache.ReadBytes(ctx, candidate)
			if err != nil {
				return nil, err
			}
			content := string(data)
			return &store.GenerationResult{
				BlockID: req.BlockID,
				Content: &content,
				AssetID: candidate.ID,
				Role:    roleFor(req.Mode),
				Prompt:  resolved.Prompt,
				Mode:    req.Mode,
				Model:   candidate.Meta.Model,
				Reused:  true,
			}, nil
		}

		content, err := o.text.Generate(ctx, resolved.Prompt, req.SystemPrompt, tier)
		if err != nil {
			return nil, err
		}
		asset, err := o.cache.Store(ctx, project.ID, []byte(content), jobID+".txt", store.AssetMeta{
			Prompt:    resolved.Prompt,
			Embedding: embedding,
			Model:     tier.TextModel,
			Kind:      kindText,
		})
		if err != nil {
			return nil, err
		}
		return &store.GenerationResult{
			BlockID: req.BlockID,
			Content: &content,
			AssetID: asset.ID,
			Role:    roleFor(req.Mode),
			Prompt:  resolved.Prompt,
			Mode:    req.Mode,
			Model:   tier.TextModel,
		}, nil
	}

	content, err := o.text.Generate(ctx, resolved.Prompt, req.SystemPrompt, tier)
	if err != nil {
		return nil, err
	}
	return &store.GenerationResult{
		BlockID: req.BlockID,
		Content: &content,
		Prompt:  resolved.Prompt,
		Mode:    req.Mode,
		Model:   tier.TextModel,
	}, nil
}

func (o *Orchestrator) runMedia(ctx context.Context, jobID string, block *store.Block, resolved *Context, tier config.Tier, req Request) (*store.GenerationResult, error) {
	if o.media == nil || o.cache == nil {
		return nil, errors.New("no media generator configured")
	}

	embedding := o.embedPrompt(ctx, jobID, block.ID, resolved.Prompt)

	project, err := o.projectFor(ctx, block)
	if err != nil {
		return nil, err
	}

	if candidate := o.reuse(ctx, jobID, block.ID, project.ID, string(req.Media), embedding, req); candidate != nil {
		return &store.GenerationResult{
			BlockID: req.BlockID,
			AssetID: candidate.ID,
			Role:    roleFor(req.Mode),
			Prompt:  resolved.Prompt,
			Mode:    req.Mode,
			Model:   candidate.Meta.Model,
			Reused:  true,
		}, nil
	}

	generated, err := o.media.Generate(ctx, resolved.Prompt, req.Media, tier, resolved.References)
	if err != nil {
		return nil, err
	}

	asset, err := o.cache.Store(ctx, project.ID, generated.Data, jobID+extensionFor(generated.MimeType), store.AssetMeta{
		Prompt:    resolved.Prompt,
		Embedding: embedding,
		Model:     generated.Model,
		Kind:      string(req.Media),
	})
	if err != nil {
		return nil, err
	}

	return &store.GenerationResult{
		BlockID: req.BlockID,
		AssetID: asset.ID,
		Role:    roleFor(req.Mode),
		Prompt:  resolved.Prompt,
		Mode:    req.Mode,
		Model:   generated.Model,
	}, nil
}

// embedPrompt returns the prompt's embedding, or nil when no embedder is
// configured or the call fails. Reuse matching is best-effort; generation
// proceeds without it.
func (o *Orchestrator) embedPrompt(ctx context.Context, jobID string, blockID int64, prompt string) []float64 {
	if o.embedder == nil || o.cache == nil {
		return nil
	}
	embedding, err := o.embedder.Embed(ctx, prompt)
	if err != nil {
		o.log.Warn("prompt embedding failed", "job", jobID, "block", blockID, "error", err)
		return nil
	}
	return embedding
}

func (o *Orchestrator) reuse(ctx context.Context, jobID string, blockID, projectID int64, kind string, embedding []float64, req Request) *store.Asset {
	if req.Force || len(embedding) == 0 {
		return nil
	}
	candidate, score, err := o.cache.ReuseCandidate(ctx, projectID, kind, embedding, 0)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.log.Warn("reuse lookup failed", "job", jobID, "block", blockID, "error", err)
		}
		return nil
	}
	o.log.Info("reusing cached asset", "job", jobID, "block", blockID,
		"asset", candidate.ID, "similarity", score)
	return candidate
}

func (o *Orchestrator) projectFor(ctx context.Context, block *store.Block) (*store.Project, error) {
	tab, err := o.store.GetTab(ctx, block.TabID)
	if err != nil {
		return nil, err
	}
	return o.store.GetProject(ctx, tab.ProjectID)
}

func roleFor(mode string) store.AssetRole {
	if mode == ModeFinal {
		return store.RoleFinal
	}
	return store.RolePreview
}

// normalizePrompt canonicalizes the prompt so equal-looking text embeds and
// hashes identically: NFC form, no carriage returns, trimmed lines.
func normalizePrompt(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extensionFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/png"):
		return ".png"
	case strings.HasPrefix(mimeType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mimeType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(mimeType, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(mimeType, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(mimeType, "audio/wav"):
		return ".wav"
	default:
		return ".bin"
	}
}

package store

import (
	"slices"
	"strings"
	"time"
)

// Tag variants the invalidation and generation machinery pattern-matches on.
// Any other string is a free-form user label.
const (
	TagNeedsRegen = "needs_regen"
	TagArchived   = "archived"
)

// BlockType identifies the creative role of a block.
type BlockType string

const (
	BlockOutline   BlockType = "outline"
	BlockScene     BlockType = "scene"
	BlockCharacter BlockType = "character"
	BlockLocation  BlockType = "location"
	BlockShot      BlockType = "shot"
	BlockNote      BlockType = "note"
)

// AssetRole describes how an asset relates to a block.
type AssetRole string

const (
	RoleReference AssetRole = "reference"
	RolePreview   AssetRole = "preview"
	RoleFinal     AssetRole = "final"
)

// Action identifies the kind of history ledger entry.
type Action string

const (
	ActionCreate     Action = "create"
	ActionEdit       Action = "edit"
	ActionTagChange  Action = "tag_change"
	ActionAIGenerate Action = "ai_generate"
	ActionUndo       Action = "undo"
	ActionBranch     Action = "branch"
)

// Project owns every other entity and anchors the on-disk layout.
type Project struct {
	ID        int64
	Name      string
	RootPath  string
	Phase     string
	CreatedAt time.Time
}

// Tab is a named category blocks hang off within a project.
type Tab struct {
	ID        int64
	ProjectID int64
	Name      string
	Position  int
}

// Block is a versioned text/metadata node in the content graph.
type Block struct {
	ID         int64
	TabID      int64
	ParentID   int64 // zero when the block has no parent
	Type       BlockType
	Content    string
	Tags       TagSet
	Version    int64
	Generating bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Archived reports whether the block has been soft-deleted.
func (b *Block) Archived() bool {
	return b.Tags.Has(TagArchived)
}

// NeedsRegen reports whether the block is marked stale by invalidation.
func (b *Block) NeedsRegen() bool {
	return b.Tags.Has(TagNeedsRegen)
}

// Asset is an immutable binary artifact identified by content hash.
type Asset struct {
	ID        int64
	ProjectID int64
	Hash      string
	Path      string
	MimeType  string
	SizeBytes int64
	Stale     bool
	CreatedAt time.Time
	Meta      AssetMeta
}

// AssetMeta is the opaque metadata stored with an asset row. Prompt and
// Embedding are populated for generated assets and drive reuse matching.
type AssetMeta struct {
	Prompt    string            `json:"prompt,omitempty"`
	Embedding []float64         `json:"embedding,omitempty"`
	Model     string            `json:"model,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// BlockAsset links a block to an asset under a role.
type BlockAsset struct {
	BlockID int64
	AssetID int64
	Role    AssetRole
	Asset   *Asset
}

// HistoryEntry is one row of the append-only version ledger.
type HistoryEntry struct {
	ID        int64
	BlockID   int64
	Action    Action
	Payload   HistoryPayload
	CreatedAt time.Time
}

// HistoryPayload snapshots the state a ledger entry describes.
type HistoryPayload struct {
	Content    string   `json:"content,omitempty"`
	OldContent string   `json:"old_content,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	OldTags    []string `json:"old_tags,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	Model      string   `json:"model,omitempty"`
	AssetID    int64    `json:"asset_id,omitempty"`
	Reused     bool     `json:"reused,omitempty"`
	SourceID   int64    `json:"source_id,omitempty"`
}

// TagSet holds a block's tags. Order is preserved, membership is unique.
type TagSet []string

// NewTagSet copies and deduplicates the given labels.
func NewTagSet(labels ...string) TagSet {
	set := make(TagSet, 0, len(labels))
	for _, label := range labels {
		set = set.With(label)
	}
	return set
}

// Has reports membership.
func (t TagSet) Has(label string) bool {
	return slices.Contains(t, label)
}

// With returns the set including label. The receiver is returned unchanged
// when the label is already present or blank.
func (t TagSet) With(label string) TagSet {
	label = strings.TrimSpace(label)
	if label == "" || t.Has(label) {
		return t
	}
	return append(t, label)
}

// Without returns the set excluding label.
func (t TagSet) Without(label string) TagSet {
	if !t.Has(label) {
		return t
	}
	out := make(TagSet, 0, len(t)-1)
	for _, existing := range t {
		if existing != label {
			out = append(out, existing)
		}
	}
	return out
}

// Clone returns an independent copy.
func (t TagSet) Clone() TagSet {
	return slices.Clone(t)
}

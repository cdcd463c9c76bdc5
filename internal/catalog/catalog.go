// Package catalog serves the prompt catalog and the custom prompts users write.
//
// The default catalog is embedded as YAML. An override file with the same
// layout can replace it at startup and is reloaded by Watch when it changes.
// Custom prompts live in the store and are resolved after the catalog.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/BTreeMap/WaffleCafe/internal/genai"
	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/store"
	"github.com/BTreeMap/WaffleCafe/internal/util"
)

//go:embed prompts.yaml
var defaultCatalog []byte

// ErrEmptyCatalog is returned when a catalog file defines no prompts.
var ErrEmptyCatalog = errors.New("catalog defines no prompts")

type catalogFile struct {
	Prompts []models.Prompt `yaml:"prompts"`
}

// Parse decodes and validates a catalog document. Unknown fields, duplicate
// ids and custom-category entries are rejected.
func Parse(data []byte) ([]models.Prompt, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f catalogFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCatalog
		}
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if len(f.Prompts) == 0 {
		return nil, ErrEmptyCatalog
	}
	seen := make(map[string]bool, len(f.Prompts))
	out := make([]models.Prompt, 0, len(f.Prompts))
	for i, p := range f.Prompts {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("prompt %d: missing id", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("prompt %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.Category == models.CategoryCustom {
			return nil, fmt.Errorf("prompt %s: %w: custom prompts cannot be listed", p.ID, models.ErrInvalidCategory)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("prompt %s: %w", p.ID, err)
		}
		if strings.TrimSpace(p.Preview) == "" {
			p.Preview = models.TruncatePreview(p.Text)
		}
		out = append(out, p)
	}
	return out, nil
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithOverridePath loads prompts from path instead of the embedded defaults.
func WithOverridePath(path string) Option {
	return func(c *Catalog) { c.path = path }
}

// WithPreviewer generates custom prompt previews with p.
func WithPreviewer(p genai.Previewer) Option {
	return func(c *Catalog) { c.previewer = p }
}

// WithClock overrides the clock used to stamp custom prompts.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// Catalog resolves catalog and custom prompts.
type Catalog struct {
	store     store.Store
	previewer genai.Previewer
	path      string
	now       func() time.Time

	mu      sync.RWMutex
	prompts []models.Prompt
	byID    map[string]models.Prompt
}

// New loads the catalog. A configured override file that is missing falls
// back to the embedded defaults; one that is present but invalid is an error.
func New(st store.Store, opts ...Option) (*Catalog, error) {
	c := &Catalog{store: st, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	defaults, err := Parse(defaultCatalog)
	if err != nil {
		return nil, fmt.Errorf("embedded catalog: %w", err)
	}
	c.commit(defaults)
	if c.path == "" {
		return c, nil
	}
	if err := c.Reload(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("Catalog.New: override file not found, using defaults", "path", c.path)
			return c, nil
		}
		return nil, err
	}
	return c, nil
}

// Reload re-reads the override file and swaps it in when valid.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", c.path, err)
	}
	prompts, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parse catalog %s: %w", c.path, err)
	}
	c.commit(prompts)
	slog.Info("Catalog.Reload: catalog loaded", "path", c.path, "prompts", len(prompts))
	return nil
}

func (c *Catalog) commit(prompts []models.Prompt) {
	byID := make(map[string]models.Prompt, len(prompts))
	for _, p := range prompts {
		byID[p.ID] = p
	}
	c.mu.Lock()
	c.prompts = prompts
	c.byID = byID
	c.mu.Unlock()
}

// List returns catalog prompts in file order, optionally narrowed to one
// category. The empty category lists everything.
func (c *Catalog) List(category models.Category) ([]models.Prompt, error) {
	if category != "" && !models.IsValidCategory(category) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCategory, category)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Prompt, 0, len(c.prompts))
	for _, p := range c.prompts {
		if category == "" || p.Category == category {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetPrompt resolves id against the catalog and then the stored custom
// prompts. It returns (nil, nil) when neither knows the id.
func (c *Catalog) GetPrompt(id string) (*models.Prompt, error) {
	c.mu.RLock()
	p, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return &p, nil
	}
	if c.store == nil {
		return nil, nil
	}
	return c.store.GetPrompt(id)
}

// CreateCustom stores a prompt written by authorID. The preview comes from
// the previewer when one is configured and otherwise from truncating text.
func (c *Catalog) CreateCustom(ctx context.Context, authorID, text string) (*models.Prompt, error) {
	if strings.TrimSpace(authorID) == "" {
		return nil, models.ErrEmptyUserID
	}
	text = strings.TrimSpace(text)
	p := models.Prompt{
		ID:        util.NewPromptID(),
		Category:  models.CategoryCustom,
		Text:      text,
		CreatedAt: c.now(),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if c.store == nil {
		return nil, errors.New("catalog has no store for custom prompts")
	}
	p.Preview = genai.PreviewOrTruncate(ctx, c.previewer, text)
	if err := c.store.SavePrompt(p); err != nil {
		slog.Error("Catalog.CreateCustom: save failed", "authorID", authorID, "error", err)
		return nil, fmt.Errorf("save custom prompt: %w", err)
	}
	slog.Info("Catalog.CreateCustom: custom prompt created", "promptID", p.ID, "authorID", authorID)
	return &p, nil
}

// Package file implements the filesystem source adapter: it walks the
// configured base paths, indexes markdown, YAML and JSON documents in
// memory, and re-indexes on filesystem change notifications.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// AdapterType is the registry key for this adapter.
const AdapterType = "file"

// document is one indexed file.
type document struct {
	ID       string
	Title    string
	Content  string
	Path     string
	Category string
	Modified time.Time
	Runbook  *models.Runbook
}

// frontMatter is the optional YAML header of a markdown document.
type frontMatter struct {
	Title    string   `yaml:"title"`
	Category string   `yaml:"category"`
	Triggers []string `yaml:"triggers"`
	Type     string   `yaml:"type"`
}

// Adapter indexes a set of directory trees.
type Adapter struct {
	cfg       config.SourceConfig
	basePaths []string
	watch     bool
	logger    observability.Logger

	mu          sync.RWMutex
	docs        map[string]*document
	lastIndexed time.Time

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a file adapter from its source config.
func New(cfg config.SourceConfig, logger observability.Logger) (*Adapter, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	var basePaths []string
	if raw, ok := cfg.Config["base_paths"].([]interface{}); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				basePaths = append(basePaths, s)
			}
		}
	}
	if len(basePaths) == 0 {
		return nil, fmt.Errorf("file adapter %q: config.base_paths is required", cfg.Name)
	}

	watch, _ := cfg.Config["watch"].(bool)

	return &Adapter{
		cfg:       cfg,
		basePaths: basePaths,
		watch:     watch,
		logger:    logger.WithPrefix("file:" + cfg.Name),
		docs:      make(map[string]*document),
		stopCh:    make(chan struct{}),
	}, nil
}

// Name returns the instance name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Type returns "file".
func (a *Adapter) Type() string { return AdapterType }

// GetConfig returns the source config.
func (a *Adapter) GetConfig() config.SourceConfig { return a.cfg }

// Initialize builds the index and, when configured, starts the change
// watcher.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.RefreshIndex(ctx, true); err != nil {
		return err
	}

	if a.watch {
		if err := a.startWatcher(); err != nil {
			// Watching is best effort; the index still serves.
			a.logger.Warn("File watcher unavailable", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return nil
}

// RefreshIndex rebuilds the in-memory index by walking the base paths.
// Force is accepted for contract parity; a filesystem walk is always full.
func (a *Adapter) RefreshIndex(ctx context.Context, _ bool) error {
	docs := make(map[string]*document)

	for _, base := range a.basePaths {
		err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil // skip unreadable entries
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if info.IsDir() {
				return nil
			}

			doc, ok := a.parseFile(path, info)
			if ok {
				docs[doc.ID] = doc
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("walking %s: %w", base, err)
		}
	}

	a.mu.Lock()
	a.docs = docs
	a.lastIndexed = time.Now()
	a.mu.Unlock()

	a.logger.Info("File index rebuilt", map[string]interface{}{
		"documents": len(docs),
	})
	return nil
}

// parseFile turns one file into an indexed document.
func (a *Adapter) parseFile(path string, info os.FileInfo) (*document, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".md" && ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return nil, false
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		a.logger.Warn("Unreadable document skipped", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return nil, false
	}

	doc := &document{
		ID:       docID(path),
		Title:    strings.TrimSuffix(filepath.Base(path), ext),
		Content:  string(raw),
		Path:     path,
		Modified: info.ModTime(),
	}

	switch ext {
	case ".md":
		a.parseMarkdown(doc, raw)
	case ".yaml", ".yml":
		var rb models.Runbook
		if err := yaml.Unmarshal(raw, &rb); err == nil && rb.ID != "" {
			doc.Runbook = &rb
			doc.Title = rb.Title
		}
	case ".json":
		var rb models.Runbook
		if err := json.Unmarshal(raw, &rb); err == nil && rb.ID != "" {
			doc.Runbook = &rb
			doc.Title = rb.Title
		}
	}

	return doc, true
}

// parseMarkdown splits optional YAML front matter from the body.
func (a *Adapter) parseMarkdown(doc *document, raw []byte) {
	content := string(raw)
	if !strings.HasPrefix(content, "---\n") {
		return
	}
	end := strings.Index(content[4:], "\n---")
	if end < 0 {
		return
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(content[4:4+end]), &fm); err != nil {
		return
	}

	doc.Content = strings.TrimLeft(content[4+end+4:], "\n")
	if fm.Title != "" {
		doc.Title = fm.Title
	}
	doc.Category = fm.Category

	if fm.Type == "runbook" {
		doc.Runbook = &models.Runbook{
			ID:          doc.ID,
			Title:       doc.Title,
			Description: firstLine(doc.Content),
			Triggers:    fm.Triggers,
			Metadata: models.RunbookMetadata{
				UpdatedAt: doc.Modified,
				Source:    a.cfg.Name,
			},
		}
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

// docID derives a stable identifier from the file path.
func docID(path string) string {
	cleaned := filepath.ToSlash(filepath.Clean(path))
	cleaned = strings.TrimPrefix(cleaned, "./")
	return strings.ReplaceAll(cleaned, "/", "__")
}

// Search scores indexed documents against the query terms.
func (a *Adapter) Search(ctx context.Context, query string, filters *models.SearchFilters) ([]models.SearchResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var results []models.SearchResult
	for _, doc := range a.docs {
		score, reasons := scoreDocument(doc, terms)
		if score <= 0 {
			continue
		}
		if filters != nil && filters.MinConfidence > 0 && score < filters.MinConfidence {
			continue
		}
		results = append(results, models.SearchResult{
			ID:              doc.ID,
			Title:           doc.Title,
			Content:         excerpt(doc.Content, 500),
			Source:          a.cfg.Name,
			SourceType:      AdapterType,
			ConfidenceScore: score,
			LastUpdated:     doc.Modified,
			MatchReasons:    reasons,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].ConfidenceScore > results[j].ConfidenceScore
	})

	limit := 0
	if filters != nil {
		limit = filters.Limit
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scoreDocument computes a [0,1] confidence from term matches in the title
// and body.
func scoreDocument(doc *document, terms []string) (float64, []string) {
	title := strings.ToLower(doc.Title)
	body := strings.ToLower(doc.Content)

	matched := 0
	var reasons []string
	for _, term := range terms {
		switch {
		case strings.Contains(title, term):
			matched++
			reasons = append(reasons, fmt.Sprintf("title contains %q", term))
		case strings.Contains(body, term):
			matched++
			reasons = append(reasons, fmt.Sprintf("content contains %q", term))
		}
	}
	if matched == 0 {
		return 0, nil
	}
	return float64(matched) / float64(len(terms)), reasons
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// SearchRunbooks matches indexed runbooks by trigger and affected system.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]models.Runbook, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	needle := strings.ToLower(alertType)

	a.mu.RLock()
	defer a.mu.RUnlock()

	var runbooks []models.Runbook
	for _, doc := range a.docs {
		if doc.Runbook == nil {
			continue
		}
		if !runbookMatches(doc.Runbook, needle, affectedSystems) {
			continue
		}
		runbooks = append(runbooks, *doc.Runbook)
	}

	sort.Slice(runbooks, func(i, j int) bool {
		return runbooks[i].Metadata.ConfidenceScore > runbooks[j].Metadata.ConfidenceScore
	})
	return runbooks, nil
}

func runbookMatches(rb *models.Runbook, alertType string, systems []string) bool {
	for _, trigger := range rb.Triggers {
		if strings.Contains(strings.ToLower(trigger), alertType) {
			return true
		}
	}
	haystack := strings.ToLower(rb.Title + " " + rb.Description)
	if strings.Contains(haystack, alertType) {
		return true
	}
	for _, system := range systems {
		if strings.Contains(haystack, strings.ToLower(system)) {
			return true
		}
	}
	return false
}

// GetDocument returns one indexed document by id.
func (a *Adapter) GetDocument(ctx context.Context, id string) (*models.SearchResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	a.mu.RLock()
	doc, ok := a.docs[id]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("document not found: %s", id)
	}

	return &models.SearchResult{
		ID:              doc.ID,
		Title:           doc.Title,
		Content:         doc.Content,
		Source:          a.cfg.Name,
		SourceType:      AdapterType,
		ConfidenceScore: 1.0,
		LastUpdated:     doc.Modified,
	}, nil
}

// HealthCheck verifies every base path is still readable.
func (a *Adapter) HealthCheck(_ context.Context) models.AdapterHealth {
	start := time.Now()
	for _, base := range a.basePaths {
		if _, err := os.Stat(base); err != nil {
			return models.AdapterHealth{
				Healthy:        false,
				ResponseTimeMS: time.Since(start).Milliseconds(),
				Error:          err.Error(),
			}
		}
	}
	return models.AdapterHealth{
		Healthy:        true,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// GetMetadata describes the adapter instance.
func (a *Adapter) GetMetadata() models.AdapterMetadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return models.AdapterMetadata{
		Name:          a.cfg.Name,
		Type:          AdapterType,
		Enabled:       a.cfg.Enabled,
		DocumentCount: len(a.docs),
		LastIndexed:   a.lastIndexed,
	}
}

// startWatcher re-indexes when any base path changes. Events are debounced
// so a burst of writes triggers one rebuild.
func (a *Adapter) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, base := range a.basePaths {
		if err := watcher.Add(base); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watching %s: %w", base, err)
		}
	}
	a.watcher = watcher

	go func() {
		var debounce *time.Timer
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := a.RefreshIndex(context.Background(), true); err != nil {
						a.logger.Warn("Re-index after change failed", map[string]interface{}{
							"error": err.Error(),
						})
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Warn("File watcher error", map[string]interface{}{
					"error": err.Error(),
				})
			case <-a.stopCh:
				return
			}
		}
	}()
	return nil
}

// Cleanup stops the watcher and drops the index.
func (a *Adapter) Cleanup() error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.docs = make(map[string]*document)
	a.mu.Unlock()
	return nil
}

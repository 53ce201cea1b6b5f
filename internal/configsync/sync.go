// Package configsync loads filter and source definitions from YAML files
// into the durable store at startup.
package configsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"postfilter/internal/model"
	"postfilter/internal/storage"
)

// Syncer upserts YAML-defined filters and sources into storage. The files
// are the operator-facing source of truth; the database is what the
// pipeline reads.
type Syncer struct {
	dir   string
	store storage.Storage
	log   *slog.Logger
}

// New creates a Syncer reading from the given config directory.
func New(dir string, store storage.Storage, log *slog.Logger) *Syncer {
	return &Syncer{dir: dir, store: store, log: log}
}

type filtersFile struct {
	Filters []filterEntry `yaml:"filters"`
}

type filterEntry struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Prompt     string   `yaml:"prompt"`
	Categories []string `yaml:"categories"`
	Threshold  *float64 `yaml:"threshold"`
	Enabled    *bool    `yaml:"enabled"`
}

type sourcesFile struct {
	Telegram []sourceEntry `yaml:"telegram"`
	VK       []sourceEntry `yaml:"vk"`
}

type sourceEntry struct {
	Channel string   `yaml:"channel"`
	Group   string   `yaml:"group"`
	Name    string   `yaml:"name"`
	Enabled *bool    `yaml:"enabled"`
	Filters []string `yaml:"filters"`
}

// Sync loads filters.yaml then sources.yaml. Filters go first so source
// associations resolve.
func (s *Syncer) Sync(ctx context.Context) error {
	if err := s.SyncFilters(ctx); err != nil {
		return err
	}
	return s.SyncSources(ctx)
}

// SyncFilters upserts every filter defined in filters.yaml.
func (s *Syncer) SyncFilters(ctx context.Context) error {
	var file filtersFile
	ok, err := s.loadYAML("filters.yaml", &file)
	if err != nil || !ok {
		return err
	}

	for _, entry := range file.Filters {
		if entry.ID == "" {
			s.log.Warn("skipping filter without id", "name", entry.Name)
			continue
		}
		f := model.Filter{
			ID:         entry.ID,
			Name:       entry.Name,
			Prompt:     entry.Prompt,
			Categories: entry.Categories,
			Threshold:  0.7,
			Enabled:    true,
		}
		if entry.Threshold != nil {
			f.Threshold = *entry.Threshold
		}
		if entry.Enabled != nil {
			f.Enabled = *entry.Enabled
		}
		if err := s.store.UpsertFilter(ctx, &f); err != nil {
			return fmt.Errorf("sync filter %s: %w", entry.ID, err)
		}
		s.log.Info("synced filter", "filter_id", entry.ID)
	}
	return nil
}

// SyncSources upserts every source defined in sources.yaml.
func (s *Syncer) SyncSources(ctx context.Context) error {
	var file sourcesFile
	ok, err := s.loadYAML("sources.yaml", &file)
	if err != nil || !ok {
		return err
	}

	for _, entry := range file.Telegram {
		if err := s.syncSource(ctx, model.SourceTelegram, entry); err != nil {
			return err
		}
	}
	for _, entry := range file.VK {
		if err := s.syncSource(ctx, model.SourceVK, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) syncSource(ctx context.Context, typ model.SourceType, entry sourceEntry) error {
	sourceID := entry.Channel
	if sourceID == "" {
		sourceID = entry.Group
	}
	if sourceID == "" {
		s.log.Warn("skipping source without channel/group", "type", string(typ), "name", entry.Name)
		return nil
	}

	src := model.Source{
		Type:     typ,
		SourceID: sourceID,
		Name:     entry.Name,
		Enabled:  true,
	}
	if entry.Enabled != nil {
		src.Enabled = *entry.Enabled
	}
	if err := s.store.UpsertSource(ctx, &src, entry.Filters); err != nil {
		return fmt.Errorf("sync source %s: %w", sourceID, err)
	}
	s.log.Info("synced source", "type", string(typ), "source_id", sourceID)
	return nil
}

// loadYAML decodes one config file; a missing file is not an error.
func (s *Syncer) loadYAML(name string, out any) (bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if os.IsNotExist(err) {
		s.log.Warn("config file not found", "path", path)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileWatcher drives the Store from a local YAML file instead of etcd: the
// file holds one declarative snapshot of every entity kind, reloaded
// whenever its modification time changes. A file that fails to parse keeps
// the last good snapshot authoritative, the same way a disconnected etcd
// watch does.
type FileWatcher struct {
	path     string
	interval time.Duration
	store    *Store
	decoders []EntityDecoder
	log      *slog.Logger

	mtime   time.Time
	applied map[Kind]map[string]bool
}

// fileSnapshot is the YAML layout of the config file: one list per entity
// kind, each entry the same JSON shape the etcd transport carries.
type fileSnapshot struct {
	Routes        []map[string]any `yaml:"routes"`
	Services      []map[string]any `yaml:"services"`
	Upstreams     []map[string]any `yaml:"upstreams"`
	Consumers     []map[string]any `yaml:"consumers"`
	SSLs          []map[string]any `yaml:"ssls"`
	GlobalRules   []map[string]any `yaml:"global_rules"`
	PluginConfigs []map[string]any `yaml:"plugin_configs"`
	StreamRoutes  []map[string]any `yaml:"stream_routes"`
}

// NewFileWatcher prepares a watcher over path, checking for changes every
// interval. It does not read the file until Reload or Run is called.
func NewFileWatcher(path string, interval time.Duration, st *Store, log *slog.Logger) *FileWatcher {
	return &FileWatcher{
		path:     path,
		interval: interval,
		store:    st,
		decoders: newDecoders(st),
		log:      log,
		applied:  make(map[Kind]map[string]bool),
	}
}

// Run loads the file once, then polls its modification time until ctx is
// canceled, reloading on every observed change.
func (w *FileWatcher) Run(ctx context.Context) error {
	if err := w.Reload(); err != nil {
		w.store.SetHealthy(false)
		w.log.Warn("initial config file load failed", "path", w.path, "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fi, err := os.Stat(w.path)
			if err != nil {
				w.store.SetHealthy(false)
				w.log.Warn("config file unreadable, keeping last snapshot", "path", w.path, "error", err)
				continue
			}
			if fi.ModTime().Equal(w.mtime) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.store.SetHealthy(false)
				w.log.Warn("config file reload failed, keeping last snapshot", "path", w.path, "error", err)
			}
		}
	}
}

// Reload parses the file and applies it as the new snapshot: every listed
// entity is upserted, and every entity a previous reload applied that is
// no longer listed gets a tombstone.
func (w *FileWatcher) Reload() error {
	fi, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat config file: %w", err)
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var snap fileSnapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("parsing config file %s: %w", w.path, err)
	}

	byKind := map[Kind][]map[string]any{
		KindRoute:        snap.Routes,
		KindService:      snap.Services,
		KindUpstream:     snap.Upstreams,
		KindConsumer:     snap.Consumers,
		KindSSL:          snap.SSLs,
		KindGlobalRule:   snap.GlobalRules,
		KindPluginConfig: snap.PluginConfigs,
		KindStreamRoute:  snap.StreamRoutes,
	}

	for _, d := range w.decoders {
		seen := make(map[string]bool)
		for i, entry := range byKind[d.Kind] {
			id := entryID(d.Kind, entry, i)
			value, err := json.Marshal(entry)
			if err != nil {
				w.log.Warn("re-encoding config file entry", "kind", d.Kind, "id", id, "error", err)
				continue
			}
			if err := d.Apply(id, value, false); err != nil {
				w.log.Warn("decoding config file entry", "kind", d.Kind, "id", id, "error", err)
				continue
			}
			seen[id] = true
		}
		for id := range w.applied[d.Kind] {
			if !seen[id] {
				_ = d.Apply(id, nil, true)
			}
		}
		w.applied[d.Kind] = seen
	}

	w.mtime = fi.ModTime()
	w.store.SetHealthy(true)
	return nil
}

// entryID extracts an entry's id ("username" for consumers), falling back
// to its 1-based list position so id-less entries still round-trip across
// reloads.
func entryID(kind Kind, entry map[string]any, i int) string {
	key := "id"
	if kind == KindConsumer {
		key = "username"
	}
	if v, ok := entry[key].(string); ok && v != "" {
		return v
	}
	return strconv.Itoa(i + 1)
}

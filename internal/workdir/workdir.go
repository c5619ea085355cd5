// Package workdir manages a node's per-alias working directory: protocol
// artifacts, resource snapshots, and run logs, optionally mirrored to an
// archive.
package workdir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/metrics"
	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/protocol"
	"github.com/JakeFAU/labnodes/internal/storage/local"
)

// Artifact kinds, which double as sub-directory names.
const (
	KindResources = "resources"
	KindProtocols = "protocols"
	KindLogs      = "logs"
)

// timestampLayout keeps artifacts sortable and unique at millisecond precision.
const timestampLayout = "20060102-150405.000"

// Config describes where the working directory lives.
type Config struct {
	// Root is the per-family work root, e.g. $HOME/.wei/.ot2_temp.
	Root string
	// Alias is the node name; the working directory is Root/Alias.
	Alias string
}

// Workdir persists run artifacts for one node.
type Workdir struct {
	store    *local.BlobStore
	alias    string
	clock    node.Clock
	archiver node.Archiver
	logger   *zap.Logger

	mu           sync.Mutex
	snapshotPath string
}

// Option customizes a Workdir.
type Option func(*Workdir)

// WithArchiver mirrors every persisted artifact through a.
func WithArchiver(a node.Archiver) Option {
	return func(w *Workdir) { w.archiver = a }
}

// WithLogger sets the logger used for archive failures.
func WithLogger(l *zap.Logger) Option {
	return func(w *Workdir) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates the working directory and its resources/, protocols/ and logs/
// sub-directories.
func New(cfg Config, clock node.Clock, opts ...Option) (*Workdir, error) {
	if strings.TrimSpace(cfg.Alias) == "" {
		return nil, fmt.Errorf("node alias is required")
	}
	if strings.ContainsAny(cfg.Alias, `/\`) || cfg.Alias == "." || cfg.Alias == ".." {
		return nil, fmt.Errorf("node alias %q is not a valid directory name", cfg.Alias)
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	store, err := local.New(local.Config{BaseDir: filepath.Join(cfg.Root, cfg.Alias)})
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	w := &Workdir{store: store, alias: cfg.Alias, clock: clock, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	for _, kind := range []string{KindResources, KindProtocols, KindLogs} {
		if _, err := store.EnsureDir(kind); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Dir returns the absolute working directory.
func (w *Workdir) Dir() string {
	return w.store.BaseDir()
}

// Path returns the absolute path of one of the artifact sub-directories.
func (w *Workdir) Path(kind string) string {
	return filepath.Join(w.store.BaseDir(), kind)
}

func (w *Workdir) stamp() string {
	return w.clock.Now().UTC().Format(timestampLayout)
}

// SaveProtocol writes a materialized protocol to protocols/protocol-<ts>.<ext>.
func (w *Workdir) SaveProtocol(ctx context.Context, format protocol.Format, data []byte) (string, error) {
	if format.Ext() == "" {
		return "", node.NewError(node.KindMalformedInput, "protocol format is unknown", nil)
	}
	name := filepath.Join(KindProtocols, "protocol-"+w.stamp()+format.Ext())
	path, err := w.store.PutObject(ctx, name, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("save protocol: %w", err)
	}
	w.archive(ctx, KindProtocols, path)
	return path, nil
}

// SaveSnapshot validates a resource snapshot and copies it verbatim to
// resources/resource-<alias>-<ts>.json. The copy becomes the last recorded
// snapshot.
func (w *Workdir) SaveSnapshot(ctx context.Context, data []byte) (string, error) {
	if !json.Valid(data) {
		return "", node.NewError(node.KindMalformedInput, "resource snapshot is not valid JSON", nil)
	}
	name := filepath.Join(KindResources, "resource-"+w.alias+"-"+w.stamp()+".json")
	path, err := w.store.PutObject(ctx, name, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("save resource snapshot: %w", err)
	}
	w.setSnapshot(path)
	w.archive(ctx, KindResources, path)
	return path, nil
}

// ImportSnapshot reads a snapshot from an arbitrary path on the node host and
// saves a timestamped copy of it.
func (w *Workdir) ImportSnapshot(ctx context.Context, src string) (string, error) {
	// #nosec G304 -- the path is an operator-supplied resource file.
	data, err := os.ReadFile(src)
	if err != nil {
		return "", node.NewError(node.KindMalformedInput, fmt.Sprintf("cannot read resource file %q", src), err)
	}
	return w.SaveSnapshot(ctx, data)
}

// LatestSnapshot selects the most recently modified snapshot in resources/
// and records it as the last snapshot. ok is false when none exists.
func (w *Workdir) LatestSnapshot() (path string, ok bool, err error) {
	path, err = w.store.Latest(KindResources, ".json")
	if errors.Is(err, local.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find latest resource snapshot: %w", err)
	}
	w.setSnapshot(path)
	return path, true, nil
}

// LastSnapshot returns the contents of the last recorded snapshot, or an
// empty string when none has been recorded.
func (w *Workdir) LastSnapshot() (string, error) {
	w.mu.Lock()
	path := w.snapshotPath
	w.mu.Unlock()
	if path == "" {
		return "", nil
	}
	// #nosec G304 -- path was produced by this package.
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read resource snapshot: %w", err)
	}
	return string(data), nil
}

func (w *Workdir) setSnapshot(path string) {
	w.mu.Lock()
	w.snapshotPath = path
	w.mu.Unlock()
}

// SaveRunLog writes a run log as indented JSON to logs/<runID>.json.
func (w *Workdir) SaveRunLog(ctx context.Context, runID string, log json.RawMessage) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, log, "", "  "); err != nil {
		return "", fmt.Errorf("format run log: %w", err)
	}
	path, err := w.store.PutObject(ctx, filepath.Join(KindLogs, runID+".json"), &buf)
	if err != nil {
		return "", fmt.Errorf("save run log: %w", err)
	}
	w.archive(ctx, KindLogs, path)
	return path, nil
}

func (w *Workdir) archive(ctx context.Context, kind, path string) {
	if w.archiver == nil {
		return
	}
	uri, err := w.archiver.Archive(ctx, kind, path)
	metrics.ObserveArchive(w.alias, kind, err == nil)
	if err != nil {
		w.logger.Warn("artifact archive failed", zap.String("kind", kind), zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Debug("artifact archived", zap.String("kind", kind), zap.String("uri", uri))
}

// Package publish exposes the presentations a run leaves in the output directory,
// locally and through an optional S3-compatible bucket.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidName is returned for output names that are not a plain file name.
var ErrInvalidName = errors.New("invalid output name")

// Artifact is one produced file.
type Artifact struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// URL is set once the artifact has been published to the bucket.
	URL string `json:"url,omitempty"`
}

// Store is the object storage a Publisher uploads to.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Snapshot records the output files present before a run, keyed by name.
type Snapshot map[string]fs.FileInfo

// TakeSnapshot records the current outputs in dir. A missing directory yields
// an empty snapshot.
func TakeSnapshot(dir string) (Snapshot, error) {
	infos, err := readOutputs(dir)
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(infos))
	for _, info := range infos {
		snap[info.Name()] = info
	}
	return snap, nil
}

// changed reports whether info differs from what the snapshot recorded.
// File clocks on mounted volumes are unreliable, so any difference counts.
func (s Snapshot) changed(info fs.FileInfo) bool {
	prev, ok := s[info.Name()]
	if !ok {
		return true
	}
	return !os.SameFile(prev, info) || prev.Size() != info.Size() || !prev.ModTime().Equal(info.ModTime())
}

// ListOutputs returns the regular files in dir that are new or changed against
// before, sorted by name. A nil snapshot lists every file. A missing directory
// yields no artifacts.
func ListOutputs(dir string, before Snapshot) ([]Artifact, error) {
	infos, err := readOutputs(dir)
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for _, info := range infos {
		if before != nil && !before.changed(info) {
			continue
		}
		out = append(out, Artifact{Name: info.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func readOutputs(dir string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list outputs: %w", err)
	}

	infos := make([]fs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// OpenOutput opens a file from dir by its bare name.
func OpenOutput(dir, name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, ErrInvalidName
	}
	return os.Open(filepath.Join(dir, name))
}

// Publisher uploads run outputs to a Store.
type Publisher struct {
	store  Store
	dir    string
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// NewPublisher uploads files from dir under keys "<prefix>/<run id>/<name>".
// Download links are valid for ttl.
func NewPublisher(store Store, dir, prefix string, ttl time.Duration, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{store: store, dir: dir, prefix: strings.Trim(prefix, "/"), ttl: ttl, log: log}
}

// Publish uploads every output that is new or changed against before and
// returns them with presigned download URLs.
func (p *Publisher) Publish(ctx context.Context, runID string, before Snapshot) ([]Artifact, error) {
	artifacts, err := ListOutputs(p.dir, before)
	if err != nil {
		return nil, err
	}

	for i := range artifacts {
		key := path.Join(p.prefix, runID, artifacts[i].Name)
		if err := p.upload(ctx, key, artifacts[i].Name); err != nil {
			return nil, fmt.Errorf("publish %s: %w", artifacts[i].Name, err)
		}
		url, err := p.store.PresignGet(ctx, key, p.ttl)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", key, err)
		}
		artifacts[i].URL = url
		p.log.Info("output published", "run_id", runID, "key", key, "size", artifacts[i].Size)
	}
	return artifacts, nil
}

func (p *Publisher) upload(ctx context.Context, key, name string) error {
	f, err := OpenOutput(p.dir, name)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return p.store.Put(ctx, key, f, info.Size(), contentType)
}

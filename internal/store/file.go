package store

import (
	"HeavySpectra/internal/config"
	"HeavySpectra/internal/model"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

func init() {
	Register("file", func(cfg config.StoreConfig) (model.Store, error) {
		return NewFile(cfg.File.RootPath)
	})
}

const (
	countsFile  = "counts.gob"
	summaryFile = "summary.json"
	tmpPrefix   = ".tmp-"
)

// File writes every closed window to its own directory under rootPath:
//
//	<rootPath>/<window id>/counts.gob    exact counts, gob-encoded
//	<rootPath>/<window id>/summary.json  window metadata and top-k
//
// A window is first written to a temporary directory and then renamed into
// place, so readers never see a half-written window.
type File struct {
	rootPath string
	mu       sync.Mutex
}

// NewFile creates the root directory if needed.
func NewFile(rootPath string) (*File, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &File{rootPath: rootPath}, nil
}

func (f *File) AppendWindow(ctx context.Context, r *model.WindowResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.WindowID == "" || strings.ContainsAny(r.WindowID, `/\`) || strings.HasPrefix(r.WindowID, ".") {
		return fmt.Errorf("%w: unusable window id %q", model.ErrInvalidParameters, r.WindowID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	tmpDir, err := os.MkdirTemp(f.rootPath, tmpPrefix)
	if err != nil {
		return fmt.Errorf("failed to create window directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := writeGob(filepath.Join(tmpDir, countsFile), r.Counts); err != nil {
		return err
	}
	summary := *r
	summary.Counts = nil
	if err := writeJSON(filepath.Join(tmpDir, summaryFile), &summary); err != nil {
		return err
	}

	dst := filepath.Join(f.rootPath, r.WindowID)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to replace window '%s': %w", r.WindowID, err)
	}
	if err := os.Rename(tmpDir, dst); err != nil {
		return fmt.Errorf("failed to move window '%s' into place: %w", r.WindowID, err)
	}
	return nil
}

func writeGob(path string, counts map[string]uint64) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create counts file '%s': %w", path, err)
	}
	defer file.Close()

	if counts == nil {
		counts = map[string]uint64{}
	}
	if err := gob.NewEncoder(file).Encode(counts); err != nil {
		return fmt.Errorf("failed to encode counts to gob for file '%s': %w", path, err)
	}
	return file.Close()
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return file.Close()
}

// ReadCurrentWindow returns the stored window with the latest end time.
func (f *File) ReadCurrentWindow(ctx context.Context) (*model.WindowResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	dirs, err := os.ReadDir(f.rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	var latest *model.WindowResult
	var latestDir string
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		dir := filepath.Join(f.rootPath, d.Name())
		var summary model.WindowResult
		if err := readJSON(filepath.Join(dir, summaryFile), &summary); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if latest == nil || summary.End.After(latest.End) {
			latest, latestDir = &summary, dir
		}
	}
	if latest == nil {
		return nil, model.ErrNotFound
	}

	counts := make(map[string]uint64)
	if err := readGob(filepath.Join(latestDir, countsFile), &counts); err != nil {
		return nil, err
	}
	latest.Counts = counts
	return latest, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode summary '%s': %w", path, err)
	}
	return nil
}

func readGob(path string, v any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open counts file '%s': %w", path, err)
	}
	defer file.Close()
	if err := gob.NewDecoder(file).Decode(v); err != nil {
		return fmt.Errorf("failed to decode counts file '%s': %w", path, err)
	}
	return nil
}

func (f *File) Close() error { return nil }

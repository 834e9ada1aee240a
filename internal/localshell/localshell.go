// Package localshell provides a filesystem-backed ShellAdapter so the
// IPC daemon has something real to route requests to when it is run
// standalone (outside its usual embedding host). A production host
// registers its own adapters over the live UI state instead; this one
// mirrors the same contract using plain os/filepath calls.
package localshell

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Adapter implements shellregistry.ShellAdapter over a real directory
// tree rooted at whatever path Navigate last moved to. It keeps a small
// back-history so GetState/Navigate can report canNavigateBack/
// canNavigateForward the way a real file-manager view would.
type Adapter struct {
	mu       sync.Mutex
	cwd      string
	back     []string
	forward  []string
	selected []entry
}

// New returns an Adapter starting at root. root must be an absolute,
// existing directory.
func New(root string) *Adapter {
	return &Adapter{cwd: root}
}

type entry struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// GetState reports the current directory, its immediate children, and
// the back/forward navigability of the in-memory history.
func (a *Adapter) GetState(ctx context.Context) (any, error) {
	a.mu.Lock()
	cwd := a.cwd
	canBack := len(a.back) > 0
	canForward := len(a.forward) > 0
	selectedCount := len(a.selected)
	a.mu.Unlock()
	entries, err := listDir(cwd)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":               cwd,
		"entries":            entries,
		"canNavigateBack":    canBack,
		"canNavigateForward": canForward,
		"selectedCount":      selectedCount,
	}, nil
}

// ListActions reports the fixed set of actions this adapter supports.
func (a *Adapter) ListActions(ctx context.Context) (any, error) {
	return []string{"refresh", "select"}, nil
}

// Navigate changes the current directory, verifying the target exists
// and is a directory before committing. Every navigation clears the
// forward history and, unless the target is the current directory,
// pushes the previous directory onto the back history, matching ordinary
// browser-style navigation.
func (a *Adapter) Navigate(ctx context.Context, path string) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("navigate: %s is not a directory", path)
	}
	a.mu.Lock()
	if a.cwd != "" && a.cwd != path {
		a.back = append(a.back, a.cwd)
	}
	a.forward = nil
	a.cwd = path
	canBack := len(a.back) > 0
	a.mu.Unlock()
	return map[string]any{
		"path":               path,
		"canNavigateBack":    canBack,
		"canNavigateForward": false,
	}, nil
}

// GetMetadata stats each requested path, honoring cancellation between
// entries so a caller-imposed deadline is respected mid-batch.
func (a *Adapter) GetMetadata(ctx context.Context, paths []string) (any, error) {
	out := make([]entry, 0, len(paths))
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		out = append(out, entry{
			Path:  p,
			Name:  filepath.Base(p),
			IsDir: info.IsDir(),
			Size:  info.Size(),
		})
	}
	return map[string]any{"items": out}, nil
}

// ExecuteAction runs the named action against the current directory.
// "refresh" re-reports state; "select" selects every entry in the
// current directory and reports them for a selectionChanged
// notification. Anything else is an error.
func (a *Adapter) ExecuteAction(ctx context.Context, actionID string) (any, error) {
	switch actionID {
	case "refresh":
		return a.GetState(ctx)
	case "select":
		a.mu.Lock()
		cwd := a.cwd
		a.mu.Unlock()
		entries, err := listDir(cwd)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.selected = entries
		a.mu.Unlock()
		items := make([]map[string]any, 0, len(entries))
		for _, e := range entries {
			items = append(items, map[string]any{"path": e.Path, "name": e.Name, "isDir": e.IsDir})
		}
		return map[string]any{"items": items}, nil
	default:
		return nil, fmt.Errorf("executeAction: unknown action %q", actionID)
	}
}

func listDir(dir string) ([]entry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, len(items))
	for _, item := range items {
		info, err := item.Info()
		if err != nil {
			continue
		}
		out = append(out, entry{
			Path:  filepath.Join(dir, item.Name()),
			Name:  item.Name(),
			IsDir: item.IsDir(),
			Size:  info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

package coordinator

import (
	"path/filepath"
	"time"

	"filesremote/internal/config"
)

// workingDirCoalesceWindow is the "at most one per 100 ms per shell"
// coalescing interval for workingDirectoryChanged from spec.md §6.
const workingDirCoalesceWindow = 100 * time.Millisecond

// notifyNavigate emits workingDirectoryChanged (coalesced per shell) and
// navigationStateChanged after a successful navigate call. result is
// expected to be the map[string]any a ShellAdapter.Navigate returned.
func (c *Coordinator) notifyNavigate(shellID string, result any) {
	if c.Notifier == nil {
		return
	}
	m, ok := result.(map[string]any)
	if !ok {
		return
	}
	path, _ := m["path"].(string)

	if c.allowWorkingDirNotify(shellID) {
		c.Notifier("workingDirectoryChanged", map[string]any{
			"path": path,
			"name": filepath.Base(path),
		})
	}

	c.Notifier("navigationStateChanged", map[string]any{
		"canNavigateBack":    m["canNavigateBack"],
		"canNavigateForward": m["canNavigateForward"],
		"path":               path,
	})
}

// allowWorkingDirNotify reports whether enough time has passed since the
// last workingDirectoryChanged notification for shellID, and if so,
// records now as the new last-sent time. Notifications suppressed by
// the window are dropped rather than queued, matching the coalescing
// policy applied to the rest of the notification traffic (spec.md §5:
// "notifications are dropped by the coalescing policy").
func (c *Coordinator) allowWorkingDirNotify(shellID string) bool {
	c.wdMu.Lock()
	defer c.wdMu.Unlock()
	if c.wdLastSent == nil {
		c.wdLastSent = make(map[string]time.Time)
	}
	now := c.now()
	if last, ok := c.wdLastSent[shellID]; ok && now.Sub(last) < workingDirCoalesceWindow {
		return false
	}
	c.wdLastSent[shellID] = now
	return true
}

func (c *Coordinator) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// notifySelectionFromResult emits selectionChanged, truncated to
// SelectionCap, from an ExecuteAction result shaped like
// {"items": []map[string]any{"path", "name", "isDir"}}.
func (c *Coordinator) notifySelectionFromResult(result any) {
	if c.Notifier == nil {
		return
	}
	m, ok := result.(map[string]any)
	if !ok {
		return
	}
	rawItems, ok := m["items"].([]map[string]any)
	if !ok {
		return
	}

	items := make([]map[string]any, len(rawItems))
	copy(items, rawItems)

	truncated := false
	if cap := c.selectionCap(); len(items) > cap {
		items = items[:cap]
		truncated = true
	}

	c.Notifier("selectionChanged", map[string]any{
		"items":     items,
		"truncated": truncated,
	})
}

func (c *Coordinator) selectionCap() int {
	if c.SelectionCap <= 0 {
		return config.DefaultSelectionNotificationCap
	}
	return c.SelectionCap
}

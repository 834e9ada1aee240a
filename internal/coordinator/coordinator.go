// Package coordinator routes validated JSON-RPC requests onto a
// resolved shell adapter, normalizing and sanitizing at the boundary.
// See spec §4.11.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"filesremote/internal/rpc"
	"filesremote/internal/shellregistry"
	"filesremote/internal/uiqueue"
)

// FocusResolver reports the window the host currently considers focused,
// used as the third resolution step in spec §4.11 step 1. Kept as a
// narrow interface (spec §9: "an implementer may choose to preserve the
// host's focus semantics only when the adapter truly cannot take an
// explicit parameter").
type FocusResolver interface {
	FocusedWindow() (windowID int64, ok bool)
}

// DomainError is a dispatch failure that carries a JSON-RPC error code
// to preserve across the coordinator boundary, per spec §4.11 step 4.
type DomainError struct {
	Code    int
	Message string
}

func (e *DomainError) Error() string { return e.Message }

// NewDomainError constructs a DomainError.
func NewDomainError(code int, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Coordinator dispatches validated requests to shell adapters, optionally
// via a UIQueue, enforcing the getMetadata deadline/item cap and
// sanitizing unknown errors before they reach the client.
type Coordinator struct {
	Registry         *shellregistry.Registry
	UIQueue          *uiqueue.Queue // optional; nil means call adapters directly
	Focus            FocusResolver  // optional
	MetadataMaxItems int
	MetadataTimeout  time.Duration
	Logger           *log.Logger

	// Notifier broadcasts a server-emitted notification (spec.md §6:
	// workingDirectoryChanged, navigationStateChanged, selectionChanged)
	// to every authenticated session; nil disables notifications
	// entirely, e.g. in tests that don't care about them. Set this to
	// SessionRuntime.Broadcast when wiring a Coordinator for real.
	Notifier func(method string, params any)
	// SelectionCap truncates selectionChanged's items list; <= 0 falls
	// back to config.DefaultSelectionNotificationCap.
	SelectionCap int
	// Clock is the time source for the workingDirectoryChanged
	// coalescing window; nil means time.Now. Tests override it to make
	// the 100ms window deterministic.
	Clock func() time.Time

	wdMu       sync.Mutex
	wdLastSent map[string]time.Time
}

// New constructs a Coordinator with the given registry and reasonable
// defaults; override the exported fields as needed before use.
func New(registry *shellregistry.Registry) *Coordinator {
	return &Coordinator{
		Registry:         registry,
		MetadataMaxItems: 500,
		MetadataTimeout:  30 * time.Second,
		Logger:           log.New(io.Discard, "", 0),
	}
}

type requestParams struct {
	TargetShellID string   `json:"targetShellId"`
	WindowID      *int64   `json:"windowId"`
	Path          string   `json:"path"`
	Paths         []string `json:"paths"`
	ActionID      string   `json:"actionId"`
}

// Dispatch resolves the target shell (unless the method is listShells,
// which needs no target) and invokes the corresponding adapter method,
// returning either a JSON-serializable result or a coded *rpc.Error.
func (c *Coordinator) Dispatch(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpc.Error) {
	var params requestParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid params"}
		}
	}

	if method == "listShells" {
		return c.listShells(), nil
	}

	handle, rerr := c.resolveTarget(params)
	if rerr != nil {
		return nil, rerr
	}

	switch method {
	case "getState":
		return c.call(ctx, handle, func(ctx context.Context) (any, error) {
			return handle.Adapter.GetState(ctx)
		})
	case "listActions":
		return c.call(ctx, handle, func(ctx context.Context) (any, error) {
			return handle.Adapter.ListActions(ctx)
		})
	case "navigate":
		if params.Path == "" {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "path is required"}
		}
		normalized, err := NormalizePath(params.Path)
		if err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "Invalid path"}
		}
		result, rerr := c.call(ctx, handle, func(ctx context.Context) (any, error) {
			return handle.Adapter.Navigate(ctx, normalized)
		})
		if rerr == nil {
			c.notifyNavigate(handle.Descriptor.ShellID, result)
		}
		return result, rerr
	case "getMetadata":
		if len(params.Paths) == 0 {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "paths is required"}
		}
		if len(params.Paths) > c.metadataMaxItems() {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "too many paths"}
		}
		deadlineCtx, cancel := context.WithTimeout(ctx, c.metadataTimeout())
		defer cancel()
		result, rerr := c.call(deadlineCtx, handle, func(ctx context.Context) (any, error) {
			return handle.Adapter.GetMetadata(ctx, params.Paths)
		})
		if rerr != nil && errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
			return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: "getMetadata timed out"}
		}
		return result, rerr
	case "executeAction":
		if params.ActionID == "" {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "actionId is required"}
		}
		target := handle
		if params.TargetShellID != "" {
			if h, ok := c.Registry.GetByID(params.TargetShellID); ok {
				target = h
			}
		}
		result, rerr := c.call(ctx, target, func(ctx context.Context) (any, error) {
			return target.Adapter.ExecuteAction(ctx, params.ActionID)
		})
		if rerr == nil && params.ActionID == "select" {
			c.notifySelectionFromResult(result)
		}
		return result, rerr
	default:
		return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method not found"}
	}
}

// resolveTarget implements spec §4.11 step 1's resolution order.
func (c *Coordinator) resolveTarget(params requestParams) (shellregistry.ShellHandle, *rpc.Error) {
	if params.TargetShellID != "" {
		if h, ok := c.Registry.GetByID(params.TargetShellID); ok {
			return h, nil
		}
	}
	if params.WindowID != nil {
		if h, ok := c.Registry.GetActiveForWindow(*params.WindowID); ok {
			return h, nil
		}
	}
	if c.Focus != nil {
		if windowID, ok := c.Focus.FocusedWindow(); ok {
			if h, ok := c.Registry.GetActiveForWindow(windowID); ok {
				return h, nil
			}
		}
	}
	if h, ok := c.Registry.Any(); ok {
		return h, nil
	}
	return shellregistry.ShellHandle{}, &rpc.Error{Code: rpc.CodeAuthRequired, Message: "no shell available"}
}

func (c *Coordinator) listShells() any {
	descs := c.Registry.List()
	out := make([]map[string]any, 0, len(descs))
	for _, d := range descs {
		out = append(out, map[string]any{
			"shellId":  d.ShellID,
			"windowId": d.WindowID,
			"tabId":    d.TabID,
			"active":   d.Active,
		})
	}
	return out
}

// call invokes fn either directly or through the UIQueue, converting any
// returned error into an appropriately coded, sanitized *rpc.Error.
func (c *Coordinator) call(ctx context.Context, _ shellregistry.ShellHandle, fn uiqueue.Op) (any, *rpc.Error) {
	var value any
	var err error
	if c.UIQueue != nil {
		value, err = c.UIQueue.Enqueue(ctx, fn)
	} else {
		value, err = fn(ctx)
	}
	if err == nil {
		return value, nil
	}
	return nil, c.toRPCError(err)
}

func (c *Coordinator) toRPCError(err error) *rpc.Error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return &rpc.Error{Code: domainErr.Code, Message: SanitizeMessage(domainErr.Message)}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &rpc.Error{Code: rpc.CodeInternalError, Message: "operation timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return &rpc.Error{Code: rpc.CodeInternalError, Message: "operation cancelled"}
	}
	c.Logger.Printf("internal error: %v", err)
	return &rpc.Error{Code: rpc.CodeInternalError, Message: SanitizeMessage(fmt.Sprintf("Internal error: %v", err))}
}

func (c *Coordinator) metadataMaxItems() int {
	if c.MetadataMaxItems <= 0 {
		return 500
	}
	return c.MetadataMaxItems
}

func (c *Coordinator) metadataTimeout() time.Duration {
	if c.MetadataTimeout <= 0 {
		return 30 * time.Second
	}
	return c.MetadataTimeout
}

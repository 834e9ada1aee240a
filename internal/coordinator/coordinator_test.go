package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"filesremote/internal/rpc"
	"filesremote/internal/shellregistry"
	"filesremote/internal/uiqueue"
)

type fakeAdapter struct {
	state            any
	stateErr         error
	navErr           error
	navPath          string
	navMissingResult bool // if true, Navigate returns a nil result even on success
	metaFn           func(ctx context.Context, paths []string) (any, error)
	actionID         string
	actErr           error
	actResult        any
}

func (a *fakeAdapter) GetState(ctx context.Context) (any, error) {
	return a.state, a.stateErr
}

func (a *fakeAdapter) ListActions(ctx context.Context) (any, error) {
	return []string{"copy", "delete"}, nil
}

func (a *fakeAdapter) Navigate(ctx context.Context, path string) (any, error) {
	a.navPath = path
	if a.navErr != nil || a.navMissingResult {
		return nil, a.navErr
	}
	return map[string]any{
		"path":               path,
		"canNavigateBack":    true,
		"canNavigateForward": false,
	}, nil
}

func (a *fakeAdapter) GetMetadata(ctx context.Context, paths []string) (any, error) {
	if a.metaFn != nil {
		return a.metaFn(ctx, paths)
	}
	return map[string]any{"count": len(paths)}, nil
}

func (a *fakeAdapter) ExecuteAction(ctx context.Context, actionID string) (any, error) {
	a.actionID = actionID
	if a.actErr != nil {
		return nil, a.actErr
	}
	return a.actResult, nil
}

type fakeFocus struct {
	windowID int64
	ok       bool
}

func (f fakeFocus) FocusedWindow() (int64, bool) { return f.windowID, f.ok }

func newHandle(shellID string, windowID int64, active bool, adapter shellregistry.ShellAdapter) (shellregistry.ShellDescriptor, shellregistry.ShellAdapter) {
	return shellregistry.ShellDescriptor{ShellID: shellID, WindowID: windowID, Active: active}, adapter
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return b
}

func TestResolveTargetByExplicitID(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{state: "s1-state"}
	a2 := &fakeAdapter{state: "s2-state"}
	d1, ad1 := newHandle("s1", 1, true, a1)
	d2, ad2 := newHandle("s2", 2, true, a2)
	reg.Register(d1, ad1)
	reg.Register(d2, ad2)
	c := New(reg)

	result, rerr := c.Dispatch(context.Background(), "getState", rawParams(t, map[string]any{"targetShellId": "s2"}))
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if result != "s2-state" {
		t.Fatalf("got %v, want s2-state", result)
	}
}

func TestResolveTargetByWindowID(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 7, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	windowID := int64(7)
	_, rerr := c.Dispatch(context.Background(), "getState", rawParams(t, map[string]any{"windowId": windowID}))
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
}

func TestResolveTargetByFocusedWindow(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 3, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)
	c.Focus = fakeFocus{windowID: 3, ok: true}

	_, rerr := c.Dispatch(context.Background(), "getState", nil)
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
}

func TestResolveTargetFallsBackToAny(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("only", 1, false, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "getState", nil)
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
}

func TestResolveTargetNoShellAvailable(t *testing.T) {
	reg := shellregistry.New()
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "getState", nil)
	if rerr == nil {
		t.Fatal("expected an error when no shell is registered")
	}
	if rerr.Code != rpc.CodeAuthRequired {
		t.Fatalf("got code %d, want %d", rerr.Code, rpc.CodeAuthRequired)
	}
}

func TestDispatchNavigateRejectsInvalidPath(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "navigate", rawParams(t, map[string]any{"path": `\\?\C:\Windows`}))
	if rerr == nil {
		t.Fatal("expected navigate to reject a device-namespace path")
	}
	if rerr.Code != rpc.CodeInvalidParams {
		t.Fatalf("got code %d, want %d", rerr.Code, rpc.CodeInvalidParams)
	}
	if a1.navPath != "" {
		t.Fatalf("adapter should not have been called, got navPath=%q", a1.navPath)
	}
}

func TestDispatchNavigateNormalizesPath(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "navigate", rawParams(t, map[string]any{"path": `C:\Users\alice\..\bob`}))
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if a1.navPath != `C:\Users\bob` {
		t.Fatalf("got navPath=%q", a1.navPath)
	}
}

func TestDispatchGetMetadataRejectsTooManyPaths(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)
	c.MetadataMaxItems = 2

	_, rerr := c.Dispatch(context.Background(), "getMetadata", rawParams(t, map[string]any{"paths": []string{"a", "b", "c"}}))
	if rerr == nil {
		t.Fatal("expected error for too many paths")
	}
	if rerr.Code != rpc.CodeInvalidParams {
		t.Fatalf("got code %d, want %d", rerr.Code, rpc.CodeInvalidParams)
	}
}

func TestDispatchGetMetadataRejectsEmptyPaths(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "getMetadata", rawParams(t, map[string]any{"paths": []string{}}))
	if rerr == nil || rerr.Code != rpc.CodeInvalidParams {
		t.Fatalf("got %v", rerr)
	}
}

func TestDispatchGetMetadataTimesOut(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{
		metaFn: func(ctx context.Context, paths []string) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)
	c.MetadataTimeout = 5 * time.Millisecond

	_, rerr := c.Dispatch(context.Background(), "getMetadata", rawParams(t, map[string]any{"paths": []string{"x"}}))
	if rerr == nil {
		t.Fatal("expected a timeout error")
	}
	if rerr.Code != rpc.CodeInternalError {
		t.Fatalf("got code %d, want %d", rerr.Code, rpc.CodeInternalError)
	}
	if rerr.Message != "getMetadata timed out" {
		t.Fatalf("got message %q", rerr.Message)
	}
}

func TestDispatchExecuteActionRequiresActionID(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "executeAction", nil)
	if rerr == nil || rerr.Code != rpc.CodeInvalidParams {
		t.Fatalf("got %v", rerr)
	}
}

func TestDispatchExecuteActionExplicitTargetOverride(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	a2 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	d2, ad2 := newHandle("s2", 2, true, a2)
	reg.Register(d1, ad1)
	reg.Register(d2, ad2)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "executeAction", rawParams(t, map[string]any{
		"targetShellId": "s1",
		"actionId":      "delete",
	}))
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if a1.actionID != "delete" {
		t.Fatalf("expected s1 to receive the action, got a1=%q a2=%q", a1.actionID, a2.actionID)
	}
	if a2.actionID != "" {
		t.Fatalf("expected s2 to be untouched, got %q", a2.actionID)
	}
}

func TestDispatchListShellsSummary(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	result, rerr := c.Dispatch(context.Background(), "listShells", nil)
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	list, ok := result.([]map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if len(list) != 1 || list[0]["shellId"] != "s1" {
		t.Fatalf("got %+v", list)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "bogusMethod", nil)
	if rerr == nil || rerr.Code != rpc.CodeMethodNotFound {
		t.Fatalf("got %v", rerr)
	}
}

func TestToRPCErrorPreservesDomainErrorCode(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{stateErr: NewDomainError(rpc.CodeInvalidToken, "token mismatch")}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "getState", nil)
	if rerr == nil {
		t.Fatal("expected an error")
	}
	if rerr.Code != rpc.CodeInvalidToken {
		t.Fatalf("got code %d, want %d", rerr.Code, rpc.CodeInvalidToken)
	}
}

func TestToRPCErrorSanitizesGenericMessages(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{stateErr: errors.New(`open C:\Users\alice\secret.txt: access denied`)}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	_, rerr := c.Dispatch(context.Background(), "getState", nil)
	if rerr == nil {
		t.Fatal("expected an error")
	}
	if rerr.Code != rpc.CodeInternalError {
		t.Fatalf("got code %d, want %d", rerr.Code, rpc.CodeInternalError)
	}
	if rerr.Message != "Access denied" {
		t.Fatalf("got message %q", rerr.Message)
	}
}

func TestDispatchRoutesThroughUIQueue(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{state: "queued-state"}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	q := uiqueue.New()
	defer q.Stop()
	c := New(reg)
	c.UIQueue = q

	result, rerr := c.Dispatch(context.Background(), "getState", nil)
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if result != "queued-state" {
		t.Fatalf("got %v", result)
	}
}

func TestDispatchInvalidParamsJSON(t *testing.T) {
	reg := shellregistry.New()
	c := New(reg)
	_, rerr := c.Dispatch(context.Background(), "getState", json.RawMessage(`{not json`))
	if rerr == nil || rerr.Code != rpc.CodeInvalidParams {
		t.Fatalf("got %v", rerr)
	}
}

type recordedNotification struct {
	method string
	params any
}

func TestDispatchNavigateEmitsWorkingDirAndNavigationState(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	var got []recordedNotification
	c.Notifier = func(method string, params any) {
		got = append(got, recordedNotification{method, params})
	}

	_, rerr := c.Dispatch(context.Background(), "navigate", rawParams(t, map[string]any{"path": `C:\Users\bob`}))
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %+v", len(got), got)
	}
	if got[0].method != "workingDirectoryChanged" {
		t.Fatalf("got %+v", got[0])
	}
	if got[1].method != "navigationStateChanged" {
		t.Fatalf("got %+v", got[1])
	}
	navParams := got[1].params.(map[string]any)
	if navParams["path"] != `C:\Users\bob` || navParams["canNavigateBack"] != true {
		t.Fatalf("got %+v", navParams)
	}
}

func TestDispatchNavigateCoalescesWorkingDirWithinWindow(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	now := time.Now()
	c.Clock = func() time.Time { return now }

	var workingDirCount int
	c.Notifier = func(method string, params any) {
		if method == "workingDirectoryChanged" {
			workingDirCount++
		}
	}

	if _, rerr := c.Dispatch(context.Background(), "navigate", rawParams(t, map[string]any{"path": `C:\a`})); rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if _, rerr := c.Dispatch(context.Background(), "navigate", rawParams(t, map[string]any{"path": `C:\b`})); rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if workingDirCount != 1 {
		t.Fatalf("expected the second navigate within the coalescing window to be suppressed, got %d", workingDirCount)
	}

	now = now.Add(150 * time.Millisecond)
	if _, rerr := c.Dispatch(context.Background(), "navigate", rawParams(t, map[string]any{"path": `C:\c`})); rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if workingDirCount != 2 {
		t.Fatalf("expected a notification once the coalescing window elapsed, got %d", workingDirCount)
	}
}

func TestDispatchNavigateSkipsNotificationsWithoutAdapterResult(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{navMissingResult: true}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	var got []recordedNotification
	c.Notifier = func(method string, params any) {
		got = append(got, recordedNotification{method, params})
	}

	if _, rerr := c.Dispatch(context.Background(), "navigate", rawParams(t, map[string]any{"path": `C:\a`})); rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if len(got) != 0 {
		t.Fatalf("expected no notifications when the adapter returns no result, got %+v", got)
	}
}

func TestDispatchExecuteActionSelectEmitsTruncatedSelection(t *testing.T) {
	reg := shellregistry.New()
	items := []map[string]any{
		{"path": "/a", "name": "a", "isDir": false},
		{"path": "/b", "name": "b", "isDir": false},
		{"path": "/c", "name": "c", "isDir": true},
	}
	a1 := &fakeAdapter{actResult: map[string]any{"items": items}}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)
	c.SelectionCap = 2

	var got *recordedNotification
	c.Notifier = func(method string, params any) {
		got = &recordedNotification{method, params}
	}

	_, rerr := c.Dispatch(context.Background(), "executeAction", rawParams(t, map[string]any{"actionId": "select"}))
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if got == nil || got.method != "selectionChanged" {
		t.Fatalf("expected a selectionChanged notification, got %+v", got)
	}
	params := got.params.(map[string]any)
	if params["truncated"] != true {
		t.Fatalf("expected truncated=true, got %+v", params)
	}
	gotItems := params["items"].([]map[string]any)
	if len(gotItems) != 2 {
		t.Fatalf("expected the item list truncated to SelectionCap, got %d", len(gotItems))
	}
}

func TestDispatchExecuteActionOtherThanSelectDoesNotNotify(t *testing.T) {
	reg := shellregistry.New()
	a1 := &fakeAdapter{}
	d1, ad1 := newHandle("s1", 1, true, a1)
	reg.Register(d1, ad1)
	c := New(reg)

	notified := false
	c.Notifier = func(method string, params any) { notified = true }

	_, rerr := c.Dispatch(context.Background(), "executeAction", rawParams(t, map[string]any{"actionId": "refresh"}))
	if rerr != nil {
		t.Fatalf("Dispatch: %v", rerr)
	}
	if notified {
		t.Fatal("expected no notification for actions other than select")
	}
}

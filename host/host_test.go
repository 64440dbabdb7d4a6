package host

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"granary.dev/granary/arena"
	"granary.dev/granary/cache"
	"granary.dev/granary/hashtable"
	"granary.dev/granary/internal/fault"
	"granary.dev/granary/policy"
)

func mangledHashForTest(m policy.Mangled) uint64 { return uint64(m) }
func mangledEqForTest(a, b policy.Mangled) bool  { return a == b }

func newTestGlobal(capacity int) *hashtable.Locked[policy.Mangled, uintptr] {
	fixed := hashtable.NewFixed[policy.Mangled, uintptr](capacity, mangledHashForTest, mangledEqForTest)
	return hashtable.NewLocked(fixed)
}

func newTestTranslator(t *testing.T) *cache.Cache {
	t.Helper()
	ar := arena.NewGlobal(4096)
	translate := func(pol policy.Policy, appTargetAddr uintptr) (uintptr, func(), error) {
		return appTargetAddr + 0x10000, func() {}, nil
	}
	return cache.New(newTestGlobal(64), ar, translate, nil, nil, nil, nil)
}

func TestCPUFindTranslatesThroughSharedCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewScheduler(ctx, 1, 4096, newTestTranslator(t), 16, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	result := make(chan uintptr, 1)
	errs := make(chan error, 1)
	addr := policy.Mangle(0x2000, policy.Policy{}, 0)
	if err := s.Submit(0, func(cpu *CPU) {
		target, err := cpu.Find(addr)
		if err != nil {
			errs <- err
			return
		}
		result <- target
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case target := <-result:
		if target != 0x2000+0x10000 {
			t.Fatalf("Find = %#x, want %#x", target, 0x2000+0x10000)
		}
	case err := <-errs:
		t.Fatal(err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Find")
	}
}

func TestSchedulerRunsSubmittedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewScheduler(ctx, 2, 4096, nil, 16, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	done := make(chan int, 1)
	if err := s.Submit(0, func(cpu *CPU) { done <- cpu.ID }); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-done:
		if id != 0 {
			t.Fatalf("expected work to run on CPU 0, ran on %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted work")
	}
}

func TestSchedulerSubmitRejectsOutOfRangeCPU(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewScheduler(ctx, 1, 4096, nil, 16, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Submit(5, func(*CPU) {}); err == nil {
		t.Fatal("expected an error submitting to a nonexistent CPU")
	}
}

func TestCPUDispatchRecoversFault(t *testing.T) {
	cpu := &CPU{ID: 0}
	err := cpu.Dispatch(func(own func(fault.Kind, error)) {
		own(fault.Unmanageable, nil)
	})
	if err == nil {
		t.Fatal("expected Dispatch to surface the recovered fault as an error")
	}
	var f *fault.Fault
	if !isFault(err, &f) {
		t.Fatalf("expected a *fault.Fault, got %T: %v", err, err)
	}
	if f.Kind != fault.Unmanageable {
		t.Fatalf("Kind = %v, want Unmanageable", f.Kind)
	}
}

func isFault(err error, out **fault.Fault) bool {
	f, ok := err.(*fault.Fault)
	if ok {
		*out = f
	}
	return ok
}

func TestModuleNotifierLoadUnloadLookup(t *testing.T) {
	n := NewModuleNotifier()
	n.Load("libfoo.so", 0x1000, 0x2000)

	if _, ok := n.Lookup(0x1500); !ok {
		t.Fatal("expected 0x1500 to resolve to the loaded module")
	}
	if _, ok := n.Lookup(0x5000); ok {
		t.Fatal("expected an address outside every module to miss")
	}

	n.Unload("libfoo.so")
	if _, ok := n.Lookup(0x1500); ok {
		t.Fatal("expected the lookup to miss after unload")
	}
}

func TestModuleNotifierUnloadUnknownIsNoop(t *testing.T) {
	n := NewModuleNotifier()
	n.Unload("never-loaded")
	if len(n.Snapshot()) != 0 {
		t.Fatal("expected no modules after a no-op unload")
	}
}

func TestLoggerRelaysRecords(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	l := NewLogger(base, 8)

	l.Log(slog.LevelInfo, "hello", "k", "v")
	l.Close()

	if buf.Len() == 0 {
		t.Fatal("expected the relayed record to reach the underlying handler")
	}
}

func TestDeviceServesStatusCommand(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "granary.sock")
	d, err := NewDevice(sockPath)
	if err != nil {
		t.Fatal(err)
	}
	d.Handle("status", func(ctx context.Context, args json.RawMessage) (any, error) {
		return map[string]int{"modules": 3}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Serve(ctx)
	defer d.Close()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to dial device socket: %v", err)
	}
	defer conn.Close()

	req, _ := json.Marshal(map[string]any{"cmd": "status"})
	conn.Write(append(req, '\n'))

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}

	var resp deviceResponse
	if err := json.Unmarshal(bytes.TrimSpace(buf[:n]), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK {
		t.Fatalf("expected ok response, got %+v", resp)
	}
}

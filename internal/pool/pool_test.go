package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jkaninda/sanduku/internal/driver"
	"github.com/jkaninda/sanduku/internal/ports"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/state"
)

// fakeDriver is an in-memory Driver with controllable failures.
type fakeDriver struct {
	mu       sync.Mutex
	running  map[string]bool
	creates  atomic.Int64
	destroys atomic.Int64
	failNext atomic.Bool
	down     atomic.Bool
	seq      atomic.Int64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{running: make(map[string]bool)}
}

func (f *fakeDriver) Create(_ context.Context, spec driver.CreateSpec) (driver.Handle, error) {
	if f.failNext.Swap(false) || f.down.Load() {
		return driver.Handle{}, errors.New("create failed")
	}
	f.creates.Add(1)
	id := fmt.Sprintf("cid-%d", f.seq.Add(1))
	f.mu.Lock()
	f.running[id] = false
	f.mu.Unlock()
	return driver.Handle{ID: id, Name: spec.Name}, nil
}

func (f *fakeDriver) Start(_ context.Context, h driver.Handle) error {
	f.mu.Lock()
	f.running[h.ID] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Stop(_ context.Context, h driver.Handle) error {
	f.mu.Lock()
	f.running[h.ID] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Destroy(_ context.Context, h driver.Handle) error {
	f.destroys.Add(1)
	f.mu.Lock()
	delete(f.running, h.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) IsAlive(_ context.Context, h driver.Handle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[h.ID], nil
}

func (f *fakeDriver) Ping(context.Context) error {
	if f.down.Load() {
		return errors.New("daemon down")
	}
	return nil
}

func (f *fakeDriver) Logs(context.Context, driver.Handle) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func newTestPool(t *testing.T, size int, drv driver.Driver) *Pool {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc, err := ports.NewAllocator(state.NewMemory(), ports.Range{Low: 49152, High: 49251}, logger)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return New(Config{DefaultSize: size}, sandbox.NewRegistry(), drv, alloc, nil, logger)
}

func TestPool_TakeMissCreatesSynchronously(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 2, drv)
	ctx := context.Background()

	inst, err := p.Take(ctx, "base")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if inst.State != sandbox.StateAssigned {
		t.Errorf("State = %q, want assigned", inst.State)
	}
	if got := drv.creates.Load(); got != 1 {
		t.Errorf("creates = %d, want 1", got)
	}
	alive, _ := drv.IsAlive(ctx, driver.Handle{ID: inst.BackendID})
	if !alive {
		t.Error("instance not started after Take")
	}
}

func TestPool_TakeUnknownType(t *testing.T) {
	p := newTestPool(t, 1, newFakeDriver())

	_, err := p.Take(context.Background(), "mystery")
	if !errors.Is(err, sandbox.ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestPool_FillThenTakeIsWarmHandoff(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 2, drv)
	ctx := context.Background()

	p.Fill(ctx)
	// 3 builtin types * size 2.
	if got := p.WarmCount("base"); got != 2 {
		t.Fatalf("warm(base) = %d, want 2", got)
	}

	before := drv.creates.Load()
	inst, err := p.Take(ctx, "base")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if drv.creates.Load() != before {
		t.Error("warm Take invoked the backend create")
	}
	if inst.State != sandbox.StateAssigned {
		t.Errorf("State = %q, want assigned", inst.State)
	}
	if got := p.WarmCount("base"); got != 1 {
		t.Errorf("warm(base) = %d after take, want 1", got)
	}
}

func TestPool_GiveBackRecycles(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 1, drv)
	ctx := context.Background()

	inst, err := p.Take(ctx, "base")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	recycled, err := p.GiveBack(ctx, inst, true)
	if err != nil {
		t.Fatalf("GiveBack: %v", err)
	}
	if !recycled {
		t.Fatal("instance was not recycled despite pool capacity")
	}
	if inst.State != sandbox.StateWarm {
		t.Errorf("State = %q, want warm", inst.State)
	}

	// Recycle path: the next take must reuse it, no backend create.
	before := drv.creates.Load()
	again, err := p.Take(ctx, "base")
	if err != nil {
		t.Fatalf("Take after recycle: %v", err)
	}
	if again.ID != inst.ID {
		t.Errorf("took %s, want recycled %s", again.ID, inst.ID)
	}
	if drv.creates.Load() != before {
		t.Error("recycled take invoked the backend create")
	}
}

func TestPool_GiveBackDestroysWhenFull(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 1, drv)
	ctx := context.Background()

	p.Fill(ctx) // pool at target
	inst, err := p.Take(ctx, "browser")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	extra, err := p.Take(ctx, "browser") // miss, created fresh
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}

	// Put both back: first fills the single slot, second must be destroyed.
	if recycled, _ := p.GiveBack(ctx, inst, true); !recycled {
		t.Fatal("first give-back not recycled")
	}
	recycled, err := p.GiveBack(ctx, extra, true)
	if err != nil {
		t.Fatalf("GiveBack: %v", err)
	}
	if recycled {
		t.Error("second give-back recycled past the pool size")
	}
	if extra.State != sandbox.StateDestroyed {
		t.Errorf("State = %q, want destroyed", extra.State)
	}
	if got := p.WarmCount("browser"); got != 1 {
		t.Errorf("warm(browser) = %d, want 1", got)
	}
}

func TestPool_GiveBackNoRecycleDestroys(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 2, drv)
	ctx := context.Background()

	inst, _ := p.Take(ctx, "base")
	recycled, err := p.GiveBack(ctx, inst, false)
	if err != nil {
		t.Fatalf("GiveBack: %v", err)
	}
	if recycled {
		t.Error("recycle=false still pooled the instance")
	}
	if drv.destroys.Load() != 1 {
		t.Errorf("destroys = %d, want 1", drv.destroys.Load())
	}
}

func TestPool_SizeNeverExceededConcurrently(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 2, drv)
	ctx := context.Background()

	// Many concurrent take/give-back cycles.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				inst, err := p.Take(ctx, "base")
				if err != nil {
					continue
				}
				if _, err := p.GiveBack(ctx, inst, true); err != nil {
					t.Errorf("GiveBack: %v", err)
				}
				if n := p.WarmCount("base"); n > 2 {
					t.Errorf("warm(base) = %d, exceeds size 2", n)
				}
			}
		}()
	}
	wg.Wait()
}

func TestPool_TakeMissProvisionError(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 1, drv)
	ctx := context.Background()

	drv.failNext.Store(true)
	_, err := p.Take(ctx, "base")
	var pErr *sandbox.ProvisionError
	if !errors.As(err, &pErr) {
		t.Fatalf("err = %v, want ProvisionError", err)
	}
	if pErr.Type != "base" {
		t.Errorf("ProvisionError.Type = %q", pErr.Type)
	}
}

func TestPool_BackendDownIsBackendUnavailable(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 1, drv)

	drv.down.Store(true)
	_, err := p.Take(context.Background(), "base")
	if !errors.Is(err, sandbox.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestPool_FillFailureRetriedNextTick(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 1, drv)
	ctx := context.Background()

	drv.down.Store(true)
	p.Fill(ctx)
	if got := p.WarmCount("base"); got != 0 {
		t.Fatalf("warm(base) = %d after failed fill, want 0", got)
	}

	drv.down.Store(false)
	p.Fill(ctx)
	if got := p.WarmCount("base"); got != 1 {
		t.Fatalf("warm(base) = %d after recovery fill, want 1", got)
	}
}

func TestPool_DestroyReleasesPort(t *testing.T) {
	drv := newFakeDriver()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := state.NewMemory()
	alloc, _ := ports.NewAllocator(st, ports.Range{Low: 49152, High: 49152}, logger)
	p := New(Config{DefaultSize: 1}, sandbox.NewRegistry(), drv, alloc, nil, logger)
	ctx := context.Background()

	inst, err := p.Take(ctx, "base")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, err := p.GiveBack(ctx, inst, false); err != nil {
		t.Fatalf("GiveBack: %v", err)
	}

	// Single-port range: a new take only works if the port came back.
	if _, err := p.Take(ctx, "base"); err != nil {
		t.Fatalf("Take after destroy did not reuse the port: %v", err)
	}
}

func TestPool_Drain(t *testing.T) {
	drv := newFakeDriver()
	p := newTestPool(t, 2, drv)
	ctx := context.Background()

	p.Fill(ctx)
	warmed := drv.creates.Load()
	p.Drain(ctx)

	if drv.destroys.Load() != warmed {
		t.Errorf("destroys = %d, want %d", drv.destroys.Load(), warmed)
	}
	for _, typeName := range []string{"base", "filesystem", "browser"} {
		if got := p.WarmCount(typeName); got != 0 {
			t.Errorf("warm(%s) = %d after drain, want 0", typeName, got)
		}
	}
}

package host

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"granary.dev/granary/arena"
	"granary.dev/granary/cache"
	"granary.dev/granary/internal/fault"
	"granary.dev/granary/policy"
)

// CPU is the CPU state handle capability: obtained on
// entry to a dispatch iteration, invalidated on exit, carrying
// preemption-disabled access to that CPU's owned resources. Only the
// goroutine that owns a CPU value may use it; Scheduler never shares
// one CPU across two goroutines concurrently.
type CPU struct {
	ID      int
	Arena   *arena.Bump
	Private *cache.Private
	Scratch *arena.Bump
	Cache   *cache.Cache

	sched *Scheduler
}

// Find resolves addr through this CPU's private mirror, falling
// through to the shared code cache exactly as cache.Cache.Find
// documents. It is a thin convenience so submitted work does not need
// to thread both cpu.Private and cpu.Cache through by hand.
func (c *CPU) Find(addr policy.Mangled) (uintptr, error) {
	return c.Cache.Find(c.Private, addr)
}

// Dispatch runs work with this CPU's fatal-fault recovery boundary
// already in place, mirroring internal/fault.Recover's documented
// deferred-at-the-top-of-the-loop usage. A recovered Fault is logged
// and returned as an ordinary error; the CPU itself remains usable
// for the next iteration; the fault does not propagate to sibling
// CPUs.
func (c *CPU) Dispatch(work func(own func(fault.Kind, error))) (err error) {
	defer func() {
		if f, ok := fault.Recover(recover()); ok {
			if c.sched != nil && c.sched.Log != nil {
				c.sched.Log.Log(slog.LevelError, "translation fault", "cpu", c.ID, "kind", f.Kind.String(), "err", f.Err)
			}
			err = f
		}
	}()

	own := fault.Own()
	work(own.Fatal)

	if sealErr := c.Arena.Seal(); sealErr != nil {
		return sealErr
	}
	return c.Scratch.Seal()
}

// Scheduler runs one dispatch goroutine per configured CPU under an
// errgroup.Group, grounded on runtime/executor.go's sender/receiver
// goroutine pair (one goroutine owns a serialized stream of work,
// coordinated through channels rather than shared mutable state) and
// runtime/idalloc.go's serveIdAllocations loop shape (a single
// long-lived goroutine per resource, torn down together via group
// cancellation).
type Scheduler struct {
	Log *Logger

	cpus    []*CPU
	work    []chan func(*CPU)
	group   *errgroup.Group
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewScheduler brings up numCPUs dispatch goroutines, each owning its
// own arena.Bump-backed CPU handle and its own cache.Private mirror of
// the shared translator cache. A nil translator is accepted for
// dispatch-only tests that never call CPU.Find. wxorx selects
// arena.NewBumpWXorX over arena.NewBump for both of a CPU's arenas,
// matching internal/config.Config.WXorX.
func NewScheduler(ctx context.Context, numCPUs int, arenaSlabSize int, translator *cache.Cache, privateCap int, log *Logger, wxorx bool) (*Scheduler, error) {
	if numCPUs <= 0 {
		return nil, fmt.Errorf("host: NewScheduler: numCPUs must be positive, got %d", numCPUs)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	s := &Scheduler{
		Log:     log,
		cpus:    make([]*CPU, numCPUs),
		work:    make([]chan func(*CPU), numCPUs),
		group:   group,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	newArena := arena.NewBump
	if wxorx {
		newArena = arena.NewBumpWXorX
	}

	for i := 0; i < numCPUs; i++ {
		cpu := &CPU{
			ID:      i,
			Arena:   newArena(arenaSlabSize),
			Private: cache.NewPrivate(privateCap),
			Scratch: newArena(arenaSlabSize),
			Cache:   translator,
			sched:   s,
		}
		s.cpus[i] = cpu
		s.work[i] = make(chan func(*CPU), 64)

		ch := s.work[i]
		s.group.Go(func() error {
			return s.run(gctx, cpu, ch)
		})
	}

	return s, nil
}

func (s *Scheduler) run(ctx context.Context, cpu *CPU, work <-chan func(*CPU)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn, ok := <-work:
			if !ok {
				return nil
			}
			fn(cpu)
		}
	}
}

// Submit enqueues fn to run on the given CPU's dispatch goroutine,
// blocking only if that CPU's queue is full.
func (s *Scheduler) Submit(cpuID int, fn func(*CPU)) error {
	if cpuID < 0 || cpuID >= len(s.work) {
		return fmt.Errorf("host: Submit: CPU %d out of range [0,%d)", cpuID, len(s.work))
	}
	s.work[cpuID] <- fn
	return nil
}

// NumCPUs reports how many dispatch goroutines are running.
func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// Stopped is closed once every dispatch goroutine has exited and both
// arenas on every CPU have been released.
func (s *Scheduler) Stopped() <-chan struct{} { return s.stopped }

// Stop cancels every dispatch goroutine's context and waits for them
// to exit, then closes each CPU's arenas.
func (s *Scheduler) Stop() error {
	for _, ch := range s.work {
		close(ch)
	}
	s.cancel()
	err := s.group.Wait()

	for _, cpu := range s.cpus {
		cpu.Arena.Close()
		cpu.Scratch.Close()
	}
	close(s.stopped)

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Package smp runs an in-process cluster of virtual CPUs: one goroutine
// per CPU, each owning its per-CPU area and the simulated guest it
// presents interrupts to. Bringup follows the hardware discipline: every
// area is allocated while still single-threaded, and CPUs come online one
// at a time so no broadcast can miss a started CPU.
package smp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegisvm/aegis/internal/config"
	"github.com/aegisvm/aegis/internal/cpu"
	"github.com/aegisvm/aegis/internal/doorbell"
	"github.com/aegisvm/aegis/internal/guestmem"
	"github.com/aegisvm/aegis/internal/itrace"
	"github.com/aegisvm/aegis/internal/platform"
	"github.com/aegisvm/aegis/internal/protocol"
	"golang.org/x/sync/errgroup"
)

var _ cpu.EOIChannel = (*guestmem.CallingArea)(nil)

// Cluster is a set of virtual CPUs sharing one directory and one loopback
// platform. A cluster starts at most once.
type Cluster struct {
	lb    *platform.Loopback
	dir   *cpu.Directory
	nodes []*Node

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Node is one virtual CPU: its per-CPU area, doorbell page, calling area
// and simulated guest, plus the task channel through which the outside
// world reaches the CPU's goroutine.
type Node struct {
	c      *Cluster
	area   *cpu.Area
	guest  *GuestState
	page   *doorbell.Page
	region *guestmem.Region
	caa    *guestmem.CallingArea

	tasks   chan func()
	started chan struct{}
}

// New builds a cluster from a topology. Everything is allocated here,
// while still single-threaded, so the directory and loopback routing are
// complete before the first CPU starts running.
func New(cfg config.Config, lb *platform.Loopback) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cluster{lb: lb, dir: cpu.NewDirectory(lb)}
	for _, id := range cfg.APICIDs() {
		a, err := c.dir.Create(id)
		if err != nil {
			c.Close()
			return nil, err
		}
		if err := lb.AddSink(a); err != nil {
			c.Close()
			return nil, err
		}

		page, err := doorbell.NewPage(cfg.MultiVMPL, cfg.GuestVMPL)
		if err != nil {
			c.Close()
			return nil, err
		}
		a.AttachDoorbell(page)

		region := guestmem.NewRegion(make([]byte, guestmem.CallingAreaSize))
		caa := guestmem.NewCallingArea(region)
		a.SetCallingArea(caa)

		a.Apic().Activate()
		for _, v := range cfg.AllowedVectors {
			a.Apic().ConfigureVector(v, true)
		}

		c.nodes = append(c.nodes, &Node{
			c:       c,
			area:    a,
			guest:   NewGuestState(),
			page:    page,
			region:  region,
			caa:     caa,
			tasks:   make(chan func(), 16),
			started: make(chan struct{}),
		})
	}
	return c, nil
}

func (c *Cluster) Len() int { return len(c.nodes) }

// Node returns the node for a CPU index, nil when absent.
func (c *Cluster) Node(i int) *Node {
	if i < 0 || i >= len(c.nodes) {
		return nil
	}
	return c.nodes[i]
}

// Start launches one goroutine per CPU and waits for each to come online
// before launching the next, the way hardware APs are brought up.
func (c *Cluster) Start(ctx context.Context) error {
	if c.ctx != nil {
		return fmt.Errorf("smp: cluster already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.group, c.ctx = errgroup.WithContext(ctx)

	for _, n := range c.nodes {
		c.group.Go(func() error { return c.runCPU(n) })
		select {
		case <-n.started:
		case <-c.ctx.Done():
			return fmt.Errorf("smp: bringup interrupted: %w", c.ctx.Err())
		}
	}
	return nil
}

// Stop shuts the CPU loops down and waits for them to exit.
func (c *Cluster) Stop() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	c.cancel = nil
	return c.group.Wait()
}

// Close stops the loops and releases every doorbell page.
func (c *Cluster) Close() error {
	first := c.Stop()
	for _, n := range c.nodes {
		if err := n.page.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.nodes = nil
	return first
}

func (c *Cluster) runCPU(n *Node) error {
	a := n.area
	slog.Info("smp: cpu online", "cpu", a.CPUIndex(), "apic_id", a.APICID())
	a.MarkIPIParticipant()
	a.MarkOnline()
	close(n.started)

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-a.WakeChan():
			itrace.Record(itrace.KindWake, a.APICID(), 0)
			n.page.ProcessEvents()
		case fn := <-n.tasks:
			fn()
		}
		a.ServiceIRQs()
		n.guestStep()
	}
}

func (n *Node) Area() *cpu.Area                    { return n.area }
func (n *Node) Guest() *GuestState                 { return n.guest }
func (n *Node) Region() *guestmem.Region           { return n.region }
func (n *Node) CallingArea() *guestmem.CallingArea { return n.caa }

// Call runs fn on the CPU's own goroutine and returns its result. Area
// and guest state belong to that goroutine alone, so this is how the
// outside world reaches a running CPU. Calls from one node's goroutine
// into another node deadlock when they cross; drive the cluster from a
// goroutine of its own.
func (n *Node) Call(fn func(*cpu.Area) error) error {
	ctx := n.c.ctx
	if ctx == nil {
		return fmt.Errorf("smp: cluster not started")
	}
	done := make(chan error, 1)
	select {
	case n.tasks <- func() { done <- fn(n.area) }:
	case <-ctx.Done():
		return fmt.Errorf("smp: cluster stopped: %w", ctx.Err())
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("smp: cluster stopped: %w", ctx.Err())
	}
}

// Request submits a guest protocol request to this CPU, mirroring the
// calling-area handshake a real guest performs: the call-pending flag
// goes up, the request is serviced on the owning CPU, and the flag comes
// back down. One requester per node at a time.
func (n *Node) Request(request uint32, params *protocol.Params) error {
	if err := n.caa.SetCallPending(true); err != nil {
		return fmt.Errorf("smp: posting call: %w", err)
	}
	return n.Call(func(a *cpu.Area) error {
		if _, err := n.caa.CallPending(); err != nil {
			return fmt.Errorf("smp: calling area: %w", err)
		}
		defer n.caa.SetCallPending(false)
		return protocol.Handle(a, n.guest, request, params)
	})
}

// SetIRQHandler binds fn to a hardware vector on this CPU. Bind before
// the cluster starts; the underlying table is not synchronized.
func (n *Node) SetIRQHandler(vector uint8, fn func()) {
	n.area.SetIRQHandler(vector, func(a *cpu.Area) {
		itrace.Record(itrace.KindHostIRQ, a.APICID(), vector)
		fn()
	})
}

// guestStep drains the guest-facing side: present pending interrupts, let
// the simulated guest run, and retire what it consumed, until the guest
// goes idle.
func (n *Node) guestStep() {
	for {
		n.area.Present(n.guest)
		vector, queued := n.guest.runOnce()
		if vector == 0 {
			return
		}
		if queued {
			itrace.Record(itrace.KindQueue, n.area.APICID(), vector)
		} else {
			itrace.Record(itrace.KindDeliver, n.area.APICID(), vector)
		}
		n.retire(vector)
	}
}

// retire completes the handler for a consumed vector the way the guest
// would: take the lazy EOI offer when one stands, otherwise write the EOI
// register.
func (n *Node) retire(vector uint8) {
	if skip, err := n.caa.NoEOIRequired(); err == nil && skip {
		// Consuming the hint is the whole handshake; the next
		// presentation pass retires the vector.
		n.caa.SetNoEOIRequired(false)
		return
	}
	if err := n.area.WriteRegister(n.guest, cpu.RegEOI, 0); err != nil {
		panic(fmt.Sprintf("smp: cpu %d: eoi write: %v", n.area.CPUIndex(), err))
	}
	itrace.Record(itrace.KindGuestEOI, n.area.APICID(), vector)
}

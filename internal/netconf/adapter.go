package netconf

import (
	"sync"

	"golang.org/x/sys/unix"

	"grimm.is/netconfd/internal/logging"
)

// Kernel is the asynchronous driver surface the state machine drives.
// Every call is submitted and returns immediately; the completion
// callback later receives the operation's error on the manager loop.
// Completions are delivered in submission order per link.
type Kernel interface {
	ConfigureAddress(l *Link, addr *Address, done func(error))
	UpdateAddress(l *Link, addr *Address, done func(error))
	DropAddress(l *Link, addr *Address, done func(error))

	ConfigureRoute(l *Link, route *Route, done func(error))
	DropRoute(l *Link, route *Route, done func(error))

	SetLinkUp(l *Link, done func(error))
	SetLinkMTU(l *Link, mtu uint32, done func(error))
	Enslave(l *Link, parent Parent, done func(error))
}

type kernelOp struct {
	name string
	run  func(Netlinker) error
	done func(error)
}

// Adapter executes kernel operations on a single worker goroutine, in
// FIFO order, and dispatches each completion back onto the manager
// loop. Global FIFO execution implies per-link submission-order
// completion delivery.
type Adapter struct {
	nl       Netlinker
	dispatch func(func())
	log      *logging.Logger

	mu     sync.Mutex
	ops    chan *kernelOp
	quit   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ Kernel = (*Adapter)(nil)

// NewAdapter builds an adapter over nl. dispatch must serialize the
// given function onto the manager loop.
func NewAdapter(nl Netlinker, dispatch func(func()), log *logging.Logger) *Adapter {
	if log == nil {
		log = logging.Default()
	}
	a := &Adapter{
		nl:       nl,
		dispatch: dispatch,
		log:      log.WithComponent("kernel"),
		ops:      make(chan *kernelOp, 256),
		quit:     make(chan struct{}),
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

func (a *Adapter) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			return
		default:
		}
		select {
		case <-a.quit:
			return
		case op := <-a.ops:
			err := op.run(a.nl)
			done := op.done
			a.dispatch(func() { done(err) })
		}
	}
}

// Close stops the worker. Every operation still queued is completed
// exactly once with ECANCELED.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.quit)
	a.mu.Unlock()

	a.wg.Wait()
	for {
		select {
		case op := <-a.ops:
			done := op.done
			a.dispatch(func() { done(unix.ECANCELED) })
		default:
			return
		}
	}
}

func (a *Adapter) submit(name string, run func(Netlinker) error, done func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.dispatch(func() { done(unix.ECANCELED) })
		return
	}
	a.ops <- &kernelOp{name: name, run: run, done: done}
}

func (a *Adapter) ConfigureAddress(l *Link, addr *Address, done func(error)) {
	idx := l.Index()
	a.submit("addr-add", func(nl Netlinker) error {
		return nl.AddrAdd(idx, addr)
	}, done)
}

func (a *Adapter) UpdateAddress(l *Link, addr *Address, done func(error)) {
	idx := l.Index()
	a.submit("addr-replace", func(nl Netlinker) error {
		return nl.AddrReplace(idx, addr)
	}, done)
}

func (a *Adapter) DropAddress(l *Link, addr *Address, done func(error)) {
	idx := l.Index()
	a.submit("addr-del", func(nl Netlinker) error {
		return nl.AddrDel(idx, addr)
	}, done)
}

func (a *Adapter) ConfigureRoute(l *Link, route *Route, done func(error)) {
	idx := l.Index()
	a.submit("route-add", func(nl Netlinker) error {
		return nl.RouteAdd(idx, route)
	}, done)
}

func (a *Adapter) DropRoute(l *Link, route *Route, done func(error)) {
	idx := l.Index()
	a.submit("route-del", func(nl Netlinker) error {
		return nl.RouteDel(idx, route)
	}, done)
}

func (a *Adapter) SetLinkUp(l *Link, done func(error)) {
	idx := l.Index()
	a.submit("link-up", func(nl Netlinker) error {
		return nl.LinkSetUp(idx)
	}, done)
}

func (a *Adapter) SetLinkMTU(l *Link, mtu uint32, done func(error)) {
	idx := l.Index()
	a.submit("link-mtu", func(nl Netlinker) error {
		return nl.LinkSetMTU(idx, mtu)
	}, done)
}

func (a *Adapter) Enslave(l *Link, parent Parent, done func(error)) {
	idx := l.Index()
	a.submit("enslave", func(nl Netlinker) error {
		switch parent.Kind {
		case ParentBridge, ParentBond:
			return nl.LinkSetMaster(idx, parent.Name)
		case ParentVLAN:
			return nl.LinkAddVLAN(idx, parent.Name, parent.VLANID)
		case ParentMACVLAN:
			return nl.LinkAddMACVLAN(idx, parent.Name, parent.Mode)
		}
		return unix.EINVAL
	}, done)
}

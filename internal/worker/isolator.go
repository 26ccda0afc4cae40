package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskd/internal/domain"
)

var ErrIsolatorClosed = errors.New("isolator closed")

// TaskRef is the handoff a unit receives for one execution.
type TaskRef struct {
	ID       string
	TaskName string
	Type     string
	Payload  json.RawMessage
}

func refOf(t domain.Task) TaskRef {
	return TaskRef{ID: t.ID, TaskName: t.TaskName, Type: t.Type, Payload: t.Payload}
}

// Relay is the part of the coordinator an isolated unit calls back into.
// Only the coordinator touches the store.
type Relay interface {
	// FetchTask reloads a claimed task and records that its execution started.
	FetchTask(ctx context.Context, id string) (domain.Task, error)
	// ApplyOutcome persists the handler result; a nil handlerErr is success.
	ApplyOutcome(ctx context.Context, t domain.Task, handlerErr error) error
}

type FaultKind string

const (
	FaultError   FaultKind = "error"
	FaultPanic   FaultKind = "panic"
	FaultExit    FaultKind = "exit"
	FaultTimeout FaultKind = "timeout"
)

// UnitFault reports that the isolation boundary itself was hit: the unit
// relayed an error, panicked, exited, or never answered. Ordinary handler
// failures are not faults; they are applied to the task and the call succeeds.
type UnitFault struct {
	Unit     string
	TaskID   string
	Kind     FaultKind
	Reason   string
	Stack    string
	ExitCode int
}

func (f *UnitFault) Error() string {
	return fmt.Sprintf("unit %s (task %s): %s: %s", f.Unit, f.TaskID, f.Kind, f.Reason)
}

type msgKind int

const (
	msgExecute msgKind = iota // unit -> coordinator
	msgTask                   // coordinator -> unit: fresh task snapshot
	msgResult                 // unit -> coordinator: handler outcome
	msgError                  // either direction
	msgPanic                  // unit -> coordinator: uncaught panic
	msgExit                   // unit -> coordinator: unit ended without clean shutdown
)

type message struct {
	kind   msgKind
	unit   *unit
	task   domain.Task
	ctx    context.Context
	err    error
	reason string
	stack  string
	code   int
}

type call struct {
	ref     TaskRef
	toCoord chan message
	toUnit  chan message
}

type unit struct {
	id   string
	quit chan struct{}
	once sync.Once
}

// Isolator runs handler invocations on a fixed pool of long-lived units. Each
// unit is a goroutine with its own recovery boundary; a unit that panics,
// exits, relays an error or overruns the timeout is torn down and replaced,
// and the coordinator keeps running.
type Isolator struct {
	relay    Relay
	registry *Registry
	timeout  time.Duration
	log      zerolog.Logger

	calls chan *call
	done  chan struct{}

	mu     sync.Mutex
	units  map[string]*unit
	seq    int
	closed bool
}

// NewIsolator starts size units. A timeout of 0 disables the execution deadline.
func NewIsolator(relay Relay, registry *Registry, size int, timeout time.Duration, log zerolog.Logger) *Isolator {
	if size <= 0 {
		size = 1
	}
	iso := &Isolator{
		relay:    relay,
		registry: registry,
		timeout:  timeout,
		log:      log.With().Str("component", "isolator").Logger(),
		calls:    make(chan *call),
		done:     make(chan struct{}),
		units:    make(map[string]*unit, size),
	}
	for i := 0; i < size; i++ {
		iso.spawn()
	}
	return iso
}

// Units returns the ids of the live units.
func (iso *Isolator) Units() []string {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	ids := make([]string, 0, len(iso.units))
	for id := range iso.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops idle units. Units still inside a handler exit once it returns.
func (iso *Isolator) Close() {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.closed {
		return
	}
	iso.closed = true
	close(iso.done)
}

// Dispatch runs every task and waits for all of them to settle. errs[i] is the
// outcome of refs[i]; one failing call never discards its siblings' results.
func (iso *Isolator) Dispatch(ctx context.Context, refs []TaskRef) []error {
	errs := make([]error, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref TaskRef) {
			defer wg.Done()
			errs[i] = iso.Run(ctx, ref)
		}(i, ref)
	}
	wg.Wait()
	return errs
}

// Run executes one task on the next free unit and relays until the call settles.
func (iso *Isolator) Run(ctx context.Context, ref TaskRef) error {
	c := &call{ref: ref, toCoord: make(chan message, 4), toUnit: make(chan message, 1)}
	select {
	case iso.calls <- c:
	case <-iso.done:
		return ErrIsolatorClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	var (
		u       *unit
		task    domain.Task
		fetched bool
		expired <-chan time.Time
		cancel  context.CancelFunc = func() {}
	)
	defer func() { cancel() }()

	for {
		select {
		case m := <-c.toCoord:
			switch m.kind {
			case msgExecute:
				u = m.unit
				t, err := iso.relay.FetchTask(ctx, ref.ID)
				if err != nil {
					c.toUnit <- message{kind: msgError, reason: err.Error()}
					continue
				}
				task, fetched = t, true
				hctx := context.Background()
				if iso.timeout > 0 {
					timer := time.NewTimer(iso.timeout)
					defer timer.Stop()
					expired = timer.C
					hctx, cancel = context.WithTimeout(hctx, iso.timeout)
				}
				c.toUnit <- message{kind: msgTask, task: t, ctx: hctx}

			case msgResult:
				if err := iso.relay.ApplyOutcome(ctx, task, m.err); err != nil {
					return fmt.Errorf("apply outcome for task %s: %w", ref.ID, err)
				}
				return nil

			case msgError:
				return iso.fault(ctx, &UnitFault{Unit: unitID(u, m.unit), TaskID: ref.ID, Kind: FaultError, Reason: m.reason}, task, fetched)

			case msgPanic:
				return iso.fault(ctx, &UnitFault{Unit: unitID(u, m.unit), TaskID: ref.ID, Kind: FaultPanic, Reason: m.reason, Stack: m.stack}, task, fetched)

			case msgExit:
				return iso.fault(ctx, &UnitFault{Unit: unitID(u, m.unit), TaskID: ref.ID, Kind: FaultExit, ExitCode: m.code,
					Reason: fmt.Sprintf("execution unit exited with code %d", m.code)}, task, fetched)
			}

		case <-expired:
			iso.retire(u)
			return iso.fault(ctx, &UnitFault{Unit: unitID(u, nil), TaskID: ref.ID, Kind: FaultTimeout,
				Reason: fmt.Sprintf("execution timed out after %s", iso.timeout)}, task, fetched)

		case <-ctx.Done():
			// A unit parked on the reply must not wait forever.
			select {
			case c.toUnit <- message{kind: msgError, reason: ctx.Err().Error()}:
			default:
			}
			return ctx.Err()
		}
	}
}

// fault logs a unit fault and, when the task was already handed to the unit,
// records it as a handler failure so the task does not stay processing.
func (iso *Isolator) fault(ctx context.Context, f *UnitFault, task domain.Task, fetched bool) error {
	unitFaults.WithLabelValues(string(f.Kind)).Inc()
	iso.log.Error().
		Str("unit", f.Unit).
		Str("task_id", f.TaskID).
		Str("fault", string(f.Kind)).
		Str("reason", f.Reason).
		Int("exit_code", f.ExitCode).
		Str("stack", f.Stack).
		Msg("isolated unit fault")

	if fetched {
		reason := f.Reason
		if f.Kind == FaultPanic {
			reason = "handler panicked: " + f.Reason
		}
		if err := iso.relay.ApplyOutcome(ctx, task, errors.New(reason)); err != nil {
			iso.log.Error().Err(err).Str("task_id", f.TaskID).Msg("failed to record unit fault on task")
		}
	}
	return f
}

func unitID(known, fromMsg *unit) string {
	if known != nil {
		return known.id
	}
	if fromMsg != nil {
		return fromMsg.id
	}
	return "unknown"
}

func (iso *Isolator) spawn() {
	iso.mu.Lock()
	if iso.closed {
		iso.mu.Unlock()
		return
	}
	iso.seq++
	u := &unit{id: fmt.Sprintf("unit-%d", iso.seq), quit: make(chan struct{})}
	iso.units[u.id] = u
	iso.mu.Unlock()

	go iso.runUnit(u)
}

// retire tears a unit down and starts its replacement. Safe to call twice.
func (iso *Isolator) retire(u *unit) {
	if u == nil {
		return
	}
	u.once.Do(func() {
		close(u.quit)
		iso.mu.Lock()
		delete(iso.units, u.id)
		iso.mu.Unlock()
		iso.spawn()
	})
}

func (iso *Isolator) runUnit(u *unit) {
	var cur *call
	clean := false
	defer func() {
		r := recover()
		if clean {
			return
		}
		if cur != nil {
			if r != nil {
				cur.toCoord <- message{kind: msgPanic, unit: u, reason: fmt.Sprint(r), stack: string(debug.Stack())}
			} else {
				cur.toCoord <- message{kind: msgExit, unit: u, code: 1}
			}
		}
		iso.retire(u)
	}()

	for {
		select {
		case <-u.quit:
			clean = true
			return
		default:
		}

		select {
		case <-iso.done:
			iso.mu.Lock()
			delete(iso.units, u.id)
			iso.mu.Unlock()
			clean = true
			return
		case <-u.quit:
			clean = true
			return
		case c := <-iso.calls:
			cur = c
			if !iso.serve(u, c) {
				clean = true
				iso.retire(u)
				return
			}
			cur = nil
		}
	}
}

// serve runs the unit side of the relay. It returns false when the unit must
// be torn down.
func (iso *Isolator) serve(u *unit, c *call) bool {
	c.toCoord <- message{kind: msgExecute, unit: u}

	var reply message
	select {
	case reply = <-c.toUnit:
	case <-u.quit:
		return false
	}
	if reply.kind == msgError {
		c.toCoord <- message{kind: msgError, unit: u, reason: reply.reason}
		return false
	}

	task := reply.task
	var err error
	if h, ok := iso.registry.Handler(task.Type); ok {
		err = h.Handle(reply.ctx, task.ID, task.Payload)
	} else {
		err = fmt.Errorf("No handler registered for task type: %s", task.Type)
	}
	c.toCoord <- message{kind: msgResult, unit: u, err: err}
	return true
}

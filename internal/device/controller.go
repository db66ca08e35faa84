package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Default configuration
const (
	DefaultMaxQueueSize = 100
	DefaultIdleDelay    = 15 * time.Millisecond
	DefaultTickDelay    = time.Millisecond
)

// Options configures a Controller.
type Options struct {
	MaxQueueSize int           // Commands beyond this are dropped (default: 100)
	IdleDelay    time.Duration // Grace period when there is nothing to do (default: 15ms)
	TickDelay    time.Duration // Throttle applied after every loop iteration (default: 1ms)
	OnChange     ChangeFunc    // Optional completion callback
	Clock        func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = DefaultMaxQueueSize
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = DefaultIdleDelay
	}
	if o.TickDelay <= 0 {
		o.TickDelay = DefaultTickDelay
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// transitionState is the single active transition, if any.
type transitionState struct {
	ctrl        Transition
	duration    time.Duration
	startValues []uint8
	startTime   time.Time
	gen         uint64

	// ctx is cancelled when the transition stops being the active one.
	ctx    context.Context
	cancel context.CancelFunc
}

// Controller serializes all access to one MP710. Callers enqueue commands or install
// a transition; a single worker goroutine drains the queue, coalesces per channel and
// performs the device I/O outside of the lock.
type Controller struct {
	exec Executor
	opts Options

	mu         sync.Mutex
	queue      []Command
	inFlight   bool
	values     [ChannelCount]uint8
	last       [ChannelCount]Command
	onChange   ChangeFunc
	transition *transitionState
	gen        uint64

	// emptied is closed and replaced whenever the worker observes an empty queue.
	emptied chan struct{}
	wake    chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a controller. The worker is not running until Start is called.
func New(exec Executor, opts Options) *Controller {
	opts.setDefaults()
	c := &Controller{
		exec:     exec,
		opts:     opts,
		onChange: opts.OnChange,
		emptied:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for i := range c.last {
		c.last[i] = Command{Type: NotSet, ChannelIdx: uint8(i)}
	}
	return c
}

// Start launches the worker goroutine. Calling it more than once has no effect.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.run(ctx)
		log.Debug().Int("max_queue_size", c.opts.MaxQueueSize).Msg("Device worker started")
	})
}

// Close stops the worker and waits for it to exit. Pending commands are abandoned.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.transition != nil {
			c.transition.cancel()
		}
		c.mu.Unlock()

		if c.cancel == nil {
			return
		}
		c.cancel()
		<-c.done
		log.Debug().Msg("Device worker stopped")
	})
}

// OnChange replaces the completion callback.
func (c *Controller) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// AddCommand enqueues a brightness command for one channel. Invalid commands and
// commands arriving at a full queue are logged and dropped. Any active transition
// is cancelled; values it already applied stay in place.
func (c *Controller) AddCommand(t CommandType, param, channel uint8) {
	if t != SetBrightness {
		log.Warn().Str("type", t.String()).Uint8("channel", channel).Msg("Dropped command: only set_brightness can be queued")
		return
	}
	if channel >= ChannelCount || param > BrightnessMax {
		log.Warn().Uint8("channel", channel).Uint8("param", param).Msg("Dropped command: channel or brightness out of range")
		return
	}

	c.mu.Lock()
	if c.transition != nil {
		c.transition.cancel()
		c.transition = nil
		log.Debug().Uint8("channel", channel).Msg("Transition cancelled by command")
	}
	if len(c.queue) >= c.opts.MaxQueueSize {
		c.mu.Unlock()
		log.Warn().Uint8("channel", channel).Int("max_queue_size", c.opts.MaxQueueSize).Msg("Dropped command because the command queue is full")
		return
	}
	c.queue = append(c.queue, Command{Type: t, ChannelIdx: channel, Param: param})
	c.mu.Unlock()

	c.notify()
}

// AddCommands enqueues the same command for every listed channel.
func (c *Controller) AddCommands(t CommandType, param uint8, channels []uint8) {
	for _, ch := range channels {
		c.AddCommand(t, param, ch)
	}
}

// RunTransition replaces the queue with a transition. A nil controller or a
// non-positive duration is rejected and leaves all state untouched.
func (c *Controller) RunTransition(tr Transition, duration time.Duration) {
	if isNilTransition(tr) {
		log.Warn().Msg("Rejected transition: no transition controller")
		return
	}
	if duration <= 0 {
		log.Warn().Dur("duration", duration).Msg("Rejected transition: duration must be positive")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.queue = c.queue[:0]
	c.gen++
	start := make([]uint8, ChannelCount)
	copy(start, c.values[:])
	if c.transition != nil {
		c.transition.cancel()
	}
	c.transition = &transitionState{
		ctrl:        tr,
		duration:    duration,
		startValues: start,
		startTime:   c.opts.Clock(),
		gen:         c.gen,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.mu.Unlock()

	log.Info().Dur("duration", duration).Msg("Transition started")
	c.notify()
}

// TransitionActive reports whether a transition is installed.
func (c *Controller) TransitionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition != nil
}

// QueueLen returns the number of commands waiting for the worker.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ChannelValues returns a copy of the committed value of every channel.
func (c *Controller) ChannelValues() []Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Channel, ChannelCount)
	for i, v := range c.values {
		out[i] = Channel{Idx: uint8(i), Value: v}
	}
	return out
}

// LastCommands returns the last successfully executed command of every channel.
// Channels that were never written report NotSet with param 0.
func (c *Controller) LastCommands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Command, ChannelCount)
	copy(out, c.last[:])
	return out
}

// WaitForCommands blocks until no command is queued or being executed. It returns
// true when that state is observed, the current emptiness when timeout expires, and
// false if ctx is cancelled first. Commands added after it returns may still be pending.
func (c *Controller) WaitForCommands(ctx context.Context, timeout time.Duration) bool {
	if c.idle() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.idleLocked() {
			c.mu.Unlock()
			return true
		}
		emptied := c.emptied
		c.mu.Unlock()

		select {
		case <-emptied:
			// Recheck: another caller may have enqueued in the meantime.
		case <-timer.C:
			return c.idle()
		case <-ctx.Done():
			return false
		}
	}
}

func (c *Controller) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleLocked()
}

func (c *Controller) idleLocked() bool {
	return len(c.queue) == 0 && !c.inFlight
}

// notify wakes the worker if it is in its idle sleep.
func (c *Controller) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for ctx.Err() == nil {
		if cmd, ok := c.next(); ok {
			c.execute(ctx, cmd)
			c.mu.Lock()
			c.inFlight = false
			c.mu.Unlock()
		} else if !c.stepTransition(ctx) {
			if !c.sleep(ctx, c.opts.IdleDelay, c.wake) {
				return
			}
		}

		if !c.sleep(ctx, c.opts.TickDelay, nil) {
			return
		}
	}
}

// next pops the front command and coalesces it with the most recent queued command
// for the same channel. Every same-channel entry is purged, so only the newest value
// for a channel survives a drain step.
func (c *Controller) next() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		close(c.emptied)
		c.emptied = make(chan struct{})
		return Command{}, false
	}

	cmd := c.queue[0]
	rest := c.queue[1:]

	superseded := false
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].ChannelIdx == cmd.ChannelIdx {
			cmd = rest[i]
			superseded = true
			break
		}
	}

	if superseded {
		kept := make([]Command, 0, len(rest))
		for _, q := range rest {
			if q.ChannelIdx != cmd.ChannelIdx {
				kept = append(kept, q)
			}
		}
		c.queue = kept
	} else {
		c.queue = rest
	}

	c.inFlight = true
	return cmd, true
}

// execute runs one command outside the lock, commits the value on success and
// reports the outcome to the change callback.
func (c *Controller) execute(ctx context.Context, cmd Command) {
	err := c.exec.Exec(ctx, cmd)
	ok := err == nil
	if !ok {
		log.Warn().Err(err).
			Uint8("channel", cmd.ChannelIdx).
			Uint8("param", cmd.Param).
			Msg("Failed to execute device command")
	} else {
		log.Debug().
			Uint8("channel", cmd.ChannelIdx).
			Uint8("param", cmd.Param).
			Msg("Executed device command")
	}

	c.mu.Lock()
	if ok {
		c.values[cmd.ChannelIdx] = cmd.Param
		c.last[cmd.ChannelIdx] = cmd
	}
	cb := c.onChange
	c.mu.Unlock()

	if cb != nil {
		cb(ok, cmd)
	}
}

// stepTransition advances the active transition by one tick. It returns false when
// no transition is installed.
func (c *Controller) stepTransition(ctx context.Context) bool {
	c.mu.Lock()
	tr := c.transition
	if tr == nil {
		c.mu.Unlock()
		return false
	}
	elapsed := c.opts.Clock().Sub(tr.startTime)
	committed := c.values
	c.mu.Unlock()

	targets, ok := c.safeStep(ctx, tr, elapsed)
	if !ok {
		c.clearTransition(tr.gen)
		return true
	}

	for _, target := range targets {
		if target.Idx >= ChannelCount {
			log.Warn().Uint8("channel", target.Idx).Msg("Transition returned an unknown channel")
			continue
		}
		value := target.Value
		if value > BrightnessMax {
			value = BrightnessMax
		}
		if committed[target.Idx] == value {
			continue
		}
		if !c.transitionCurrent(tr.gen) {
			return true
		}
		c.execute(ctx, Command{Type: SetBrightness, ChannelIdx: target.Idx, Param: value})
	}

	if elapsed >= tr.duration {
		if c.clearTransition(tr.gen) {
			log.Info().Dur("duration", tr.duration).Msg("Transition completed")
		}
	}
	return true
}

// safeStep calls the transition controller and turns a panic or a step error into a
// cancelled transition. Blocking controllers are interrupted when the worker stops
// or the transition is cancelled.
func (c *Controller) safeStep(ctx context.Context, tr *transitionState, elapsed time.Duration) (targets []Channel, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Transition controller panicked, cancelling transition")
			targets, ok = nil, false
		}
	}()

	blocking, isBlocking := tr.ctrl.(ContextTransition)
	if !isBlocking {
		return tr.ctrl.Step(tr.startValues, tr.duration, elapsed), true
	}

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(tr.ctx, cancel)
	defer stop()

	targets, err := blocking.StepContext(stepCtx, tr.startValues, tr.duration, elapsed)
	if err != nil {
		if ctx.Err() == nil && tr.ctx.Err() == nil {
			log.Error().Err(err).Dur("elapsed", elapsed).Msg("Transition step failed, cancelling transition")
		}
		return nil, false
	}
	return targets, true
}

func (c *Controller) transitionCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition != nil && c.transition.gen == gen
}

func (c *Controller) clearTransition(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transition == nil || c.transition.gen != gen {
		return false
	}
	c.transition.cancel()
	c.transition = nil
	return true
}

// sleep waits for d, an optional wake signal or cancellation. It returns false on cancellation.
func (c *Controller) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}

func isNilTransition(tr Transition) bool {
	if tr == nil {
		return true
	}
	if f, ok := tr.(TransitionFunc); ok && f == nil {
		return true
	}
	return false
}

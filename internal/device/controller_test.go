package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBus = errors.New("bus error")

// recorder is an Executor that remembers every command it was given.
type recorder struct {
	mu   sync.Mutex
	cmds []Command
	fail map[uint8]bool
	gate chan struct{}
}

func (r *recorder) Exec(ctx context.Context, cmd Command) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	if r.fail[cmd.ChannelIdx] {
		return errBus
	}
	return nil
}

func (r *recorder) executed() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.cmds))
	copy(out, r.cmds)
	return out
}

// fakeClock is a settable clock for transition tests.
type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func newTestController(t *testing.T, exec Executor, opts Options) *Controller {
	t.Helper()
	c := New(exec, opts)
	t.Cleanup(c.Close)
	return c
}

func brightness(ch, v uint8) Command {
	return Command{Type: SetBrightness, ChannelIdx: ch, Param: v}
}

func TestController_CoalescesSameChannel(t *testing.T) {
	rec := &recorder{}
	c := newTestController(t, rec, Options{})

	// Queue everything before the worker starts so it all lands in one drain cycle.
	c.AddCommand(SetBrightness, 10, 0)
	c.AddCommand(SetBrightness, 20, 1)
	c.AddCommand(SetBrightness, 30, 0)
	c.AddCommand(SetBrightness, 40, 2)
	c.AddCommand(SetBrightness, 50, 0)

	c.Start()
	require.True(t, c.WaitForCommands(context.Background(), time.Second))

	assert.Equal(t, []Command{
		brightness(0, 50),
		brightness(1, 20),
		brightness(2, 40),
	}, rec.executed())
}

func TestController_OnlyLastCommandPerChannelReachesTransport(t *testing.T) {
	rec := &recorder{}
	c := newTestController(t, rec, Options{MaxQueueSize: 200})

	for v := uint8(0); v <= BrightnessMax; v++ {
		c.AddCommand(SetBrightness, v, 7)
	}

	c.Start()
	require.True(t, c.WaitForCommands(context.Background(), time.Second))

	assert.Equal(t, []Command{brightness(7, BrightnessMax)}, rec.executed())
}

func TestController_QueueBound(t *testing.T) {
	c := newTestController(t, &recorder{}, Options{MaxQueueSize: 2})

	c.AddCommand(SetBrightness, 10, 0)
	c.AddCommand(SetBrightness, 10, 1)
	c.AddCommand(SetBrightness, 10, 2)

	assert.Equal(t, 2, c.QueueLen())
}

func TestController_DropsInvalidCommands(t *testing.T) {
	tests := []struct {
		name    string
		typ     CommandType
		param   uint8
		channel uint8
	}{
		{name: "channel_out_of_range", typ: SetBrightness, param: 1, channel: ChannelCount},
		{name: "param_out_of_range", typ: SetBrightness, param: BrightnessMax + 1, channel: 0},
		{name: "not_set", typ: NotSet, param: 1, channel: 0},
		{name: "transition_code", typ: StartSunrise, param: 1, channel: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, &recorder{}, Options{})
			c.AddCommand(tt.typ, tt.param, tt.channel)
			assert.Equal(t, 0, c.QueueLen())
		})
	}
}

func TestController_AddCommandsExpandsChannels(t *testing.T) {
	c := newTestController(t, &recorder{}, Options{})

	c.AddCommands(SetBrightness, 0, []uint8{12, 13, 14})

	assert.Equal(t, 3, c.QueueLen())
}

func TestController_ChannelValuesRoundTrip(t *testing.T) {
	c := newTestController(t, &recorder{}, Options{})
	c.Start()

	c.AddCommand(SetBrightness, 77, 5)
	require.True(t, c.WaitForCommands(context.Background(), time.Second))

	values := c.ChannelValues()
	require.Len(t, values, ChannelCount)
	for _, ch := range values {
		if ch.Idx == 5 {
			assert.Equal(t, uint8(77), ch.Value)
		} else {
			assert.Equal(t, uint8(0), ch.Value, "channel %d", ch.Idx)
		}
	}
}

func TestController_TransportFailureKeepsValue(t *testing.T) {
	rec := &recorder{fail: map[uint8]bool{3: true}}

	var mu sync.Mutex
	var results []bool
	c := newTestController(t, rec, Options{OnChange: func(ok bool, cmd Command) {
		mu.Lock()
		results = append(results, ok)
		mu.Unlock()
	}})
	c.Start()

	c.AddCommand(SetBrightness, 99, 3)
	c.AddCommand(SetBrightness, 11, 4)
	require.True(t, c.WaitForCommands(context.Background(), time.Second))

	values := c.ChannelValues()
	assert.Equal(t, uint8(0), values[3].Value)
	assert.Equal(t, uint8(11), values[4].Value)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, results)
}

func TestController_RunTransitionRejectsInvalidInput(t *testing.T) {
	noop := TransitionFunc(func(start []uint8, duration, elapsed time.Duration) []Channel { return nil })

	tests := []struct {
		name     string
		tr       Transition
		duration time.Duration
	}{
		{name: "nil_interface", tr: nil, duration: time.Minute},
		{name: "nil_func", tr: TransitionFunc(nil), duration: time.Minute},
		{name: "zero_duration", tr: noop, duration: 0},
		{name: "negative_duration", tr: noop, duration: -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, &recorder{}, Options{})
			c.AddCommand(SetBrightness, 5, 1)

			c.RunTransition(tt.tr, tt.duration)

			assert.Equal(t, 1, c.QueueLen())
			assert.False(t, c.TransitionActive())
			assert.Equal(t, New(&recorder{}, Options{}).ChannelValues(), c.ChannelValues())
		})
	}
}

func TestController_RunTransitionClearsQueue(t *testing.T) {
	c := newTestController(t, &recorder{}, Options{})
	c.AddCommand(SetBrightness, 5, 1)
	c.AddCommand(SetBrightness, 5, 2)

	c.RunTransition(TransitionFunc(func(start []uint8, duration, elapsed time.Duration) []Channel { return nil }), time.Minute)

	assert.Equal(t, 0, c.QueueLen())
	assert.True(t, c.TransitionActive())
}

func TestController_CommandCancelsTransition(t *testing.T) {
	var calls atomic.Int32
	tr := TransitionFunc(func(start []uint8, duration, elapsed time.Duration) []Channel {
		calls.Add(1)
		return nil
	})

	c := newTestController(t, &recorder{}, Options{})
	c.RunTransition(tr, time.Hour)
	require.True(t, c.TransitionActive())

	c.AddCommand(SetBrightness, 42, 0)
	assert.False(t, c.TransitionActive())

	c.Start()
	require.True(t, c.WaitForCommands(context.Background(), time.Second))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, uint8(42), c.ChannelValues()[0].Value)
}

func TestController_TransitionRunsToCompletion(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	c := newTestController(t, rec, Options{Clock: clock.Now})

	// Jump straight to the target once half the duration has passed.
	tr := TransitionFunc(func(start []uint8, duration, elapsed time.Duration) []Channel {
		if elapsed < duration/2 {
			return []Channel{{Idx: 2, Value: start[2]}}
		}
		return []Channel{{Idx: 2, Value: 100}}
	})

	c.RunTransition(tr, time.Minute)
	c.Start()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.executed(), "unchanged values must not be written")

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return !c.TransitionActive() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []Command{brightness(2, 100)}, rec.executed())
	assert.Equal(t, uint8(100), c.ChannelValues()[2].Value)
}

func TestController_TransitionPanicCancelsTransition(t *testing.T) {
	c := newTestController(t, &recorder{}, Options{})
	c.RunTransition(TransitionFunc(func(start []uint8, duration, elapsed time.Duration) []Channel {
		panic("broken controller")
	}), time.Hour)
	c.Start()

	require.Eventually(t, func() bool { return !c.TransitionActive() }, time.Second, 5*time.Millisecond)
}

func TestController_WaitForCommands(t *testing.T) {
	t.Run("empty_queue_zero_timeout", func(t *testing.T) {
		c := newTestController(t, &recorder{}, Options{})
		start := time.Now()
		assert.True(t, c.WaitForCommands(context.Background(), 0))
		assert.Less(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("timeout_while_blocked", func(t *testing.T) {
		rec := &recorder{gate: make(chan struct{})}
		c := newTestController(t, rec, Options{})
		c.Start()
		c.AddCommand(SetBrightness, 1, 1)

		assert.False(t, c.WaitForCommands(context.Background(), 30*time.Millisecond))
		close(rec.gate)
		assert.True(t, c.WaitForCommands(context.Background(), time.Second))
	})

	t.Run("context_cancelled", func(t *testing.T) {
		c := newTestController(t, &recorder{}, Options{})
		c.AddCommand(SetBrightness, 1, 1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.False(t, c.WaitForCommands(ctx, time.Second))
	})
}

func TestController_CloseWithoutStart(t *testing.T) {
	c := New(&recorder{}, Options{})
	c.Close()
	c.Close()
}

func TestController_LastCommands(t *testing.T) {
	c := newTestController(t, &recorder{}, Options{})

	last := c.LastCommands()
	require.Len(t, last, ChannelCount)
	assert.Equal(t, Command{Type: NotSet, ChannelIdx: 9}, last[9])

	c.Start()
	c.AddCommand(SetBrightness, 12, 9)
	require.True(t, c.WaitForCommands(context.Background(), time.Second))

	assert.Equal(t, brightness(9, 12), c.LastCommands()[9])
}

// blockingTransition waits on its context until released, like a runaway script.
type blockingTransition struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingTransition) Step(start []uint8, duration, elapsed time.Duration) []Channel {
	return nil
}

func (b *blockingTransition) StepContext(ctx context.Context, start []uint8, duration, elapsed time.Duration) ([]Channel, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestController_CommandInterruptsBlockingTransition(t *testing.T) {
	rec := &recorder{}
	c := newTestController(t, rec, Options{})
	c.Start()

	tr := &blockingTransition{entered: make(chan struct{})}
	c.RunTransition(tr, time.Hour)
	<-tr.entered

	c.AddCommand(SetBrightness, 33, 1)
	require.True(t, c.WaitForCommands(context.Background(), time.Second))

	assert.Equal(t, []Command{brightness(1, 33)}, rec.executed())
	assert.False(t, c.TransitionActive())
}

func TestController_CloseInterruptsBlockingTransition(t *testing.T) {
	c := New(&recorder{}, Options{})
	c.Start()

	tr := &blockingTransition{entered: make(chan struct{})}
	c.RunTransition(tr, time.Hour)
	<-tr.entered

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a running transition step")
	}
}

type failingTransition struct{}

func (failingTransition) Step(start []uint8, duration, elapsed time.Duration) []Channel { return nil }

func (failingTransition) StepContext(ctx context.Context, start []uint8, duration, elapsed time.Duration) ([]Channel, error) {
	return nil, errBus
}

func TestController_StepErrorCancelsTransition(t *testing.T) {
	c := newTestController(t, &recorder{}, Options{})
	c.RunTransition(failingTransition{}, time.Hour)
	c.Start()

	require.Eventually(t, func() bool { return !c.TransitionActive() }, time.Second, 5*time.Millisecond)
}

// Package shell provides the interactive command line of the daemon and the CLI.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/device"
)

const defaultWaitTimeout = 10 * time.Second

// ScheduleView prints the day's schedule.
type ScheduleView interface {
	FormatDay(day time.Time) string
}

// Shell handles interactive commands.
type Shell struct {
	svc      *control.Service
	schedule ScheduleView // optional
	out      io.Writer
	rl       *readline.Instance
}

// New creates a shell writing to out. Run replaces out with the readline stdout.
func New(svc *control.Service, schedule ScheduleView, out io.Writer) *Shell {
	return &Shell{svc: svc, schedule: schedule, out: out}
}

// Stdout returns a writer that coordinates with the prompt. Valid after Run starts.
func (s *Shell) Stdout() io.Writer {
	if s.rl != nil {
		return s.rl.Stdout()
	}
	return s.out
}

// Run reads commands until quit, EOF or ctx cancellation. cancel is called
// when the user leaves the shell.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "mp710> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	s.rl = rl
	s.out = rl.Stdout()
	s.printHelp()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if ctx.Err() == nil {
				fmt.Fprintln(s.out, "Exiting...")
				cancel()
			}
			return nil
		}

		if s.Exec(line) {
			cancel()
			return nil
		}
	}
}

// Exec runs one command line. It returns true when the user asked to quit.
func (s *Shell) Exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "set", "s":
		err = s.cmdSet(args)
	case "off":
		s.svc.Off()
		fmt.Fprintln(s.out, "All channels off")
	case "sunrise", "sunset":
		err = s.cmdSun(cmd, args)
	case "run":
		err = s.cmdRun(args)
	case "send":
		err = s.svc.ApplyText(strings.Join(args, " "), "shell")
	case "status", "st":
		s.cmdStatus()
	case "transitions", "tr":
		fmt.Fprintln(s.out, strings.Join(s.svc.Transitions(), "\n"))
	case "schedule":
		s.cmdSchedule()
	case "wait":
		err = s.cmdWait(args)
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
MP710 Commands:
  set <value> <ch>...     - Set brightness 0-128 on channels 0-15
  off                     - Switch every channel off
  sunrise [minutes]       - Start a sunrise
  sunset [minutes]        - Start a sunset
  run <name> [duration]   - Start a named transition (e.g. run wake 45m)
  send <message>          - Apply a raw message such as {1,64,3}
  status                  - Show channel values
  transitions             - List transitions
  schedule                - Show today's schedule
  wait [timeout]          - Wait until queued commands are written
  help                    - Show this help
  quit                    - Exit`)
}

func (s *Shell) cmdSet(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: set <value> <ch>...")
	}

	value, err := parseUint8(args[0], device.BrightnessMax)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}

	channels := make([]uint8, 0, len(args)-1)
	for _, a := range args[1:] {
		ch, err := parseUint8(a, device.ChannelCount-1)
		if err != nil {
			return fmt.Errorf("channel: %w", err)
		}
		channels = append(channels, ch)
	}

	s.svc.SetBrightness(value, channels...)
	fmt.Fprintf(s.out, "Queued %d on %v\n", value, channels)
	return nil
}

func (s *Shell) cmdSun(name string, args []string) error {
	var d time.Duration
	if len(args) > 0 {
		minutes, err := strconv.Atoi(args[0])
		if err != nil || minutes <= 0 {
			return fmt.Errorf("invalid minutes %q", args[0])
		}
		d = time.Duration(minutes) * time.Minute
	}
	return s.start(name, d)
}

func (s *Shell) cmdRun(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: run <name> [duration]")
	}

	var d time.Duration
	if len(args) > 1 {
		var err error
		d, err = time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration %q", args[1])
		}
	}
	return s.start(args[0], d)
}

func (s *Shell) start(name string, d time.Duration) error {
	if err := s.svc.StartTransition(name, d, "shell"); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Started %s\n", name)
	return nil
}

func (s *Shell) cmdStatus() {
	for _, ch := range s.svc.Channels() {
		fmt.Fprintf(s.out, "  %2d: %3d %s\n", ch.Idx, ch.Value, bar(ch.Value))
	}
}

func (s *Shell) cmdSchedule() {
	if s.schedule == nil {
		fmt.Fprintln(s.out, "No schedules configured")
		return
	}
	fmt.Fprint(s.out, s.schedule.FormatDay(time.Now()))
}

func (s *Shell) cmdWait(args []string) error {
	timeout := defaultWaitTimeout
	if len(args) > 0 {
		var err error
		timeout, err = time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid timeout %q", args[0])
		}
	}

	if !s.svc.Wait(context.Background(), timeout) {
		return errors.New("timed out waiting for the queue")
	}
	fmt.Fprintln(s.out, "Queue flushed")
	return nil
}

func parseUint8(s string, maxValue int) (uint8, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > maxValue {
		return 0, fmt.Errorf("%q is not between 0 and %d", s, maxValue)
	}
	return uint8(v), nil
}

// bar renders a value as a 16-cell gauge.
func bar(v uint8) string {
	n := int(v) * 16 / device.BrightnessMax
	return "[" + strings.Repeat("#", n) + strings.Repeat(".", 16-n) + "]"
}

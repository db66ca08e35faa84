// Command mp710ctl drives the dimmer directly, without the daemon.
//
// With no arguments it runs a 30 minute sunrise and exits when it completes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/app"
	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
	"github.com/Legich55555/mp710Ctrl/internal/shell"
	"github.com/Legich55555/mp710Ctrl/internal/transition"
)

const (
	defaultSunDuration = 30 * time.Minute
	flushTimeout       = 15 * time.Second
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] [command]

Commands:
  sunrise [minutes]    Run a sunrise (default when no command is given)
  sunset [minutes]     Run a sunset
  run <name> [dur]     Run a named transition
  set <value> <ch>...  Set brightness 0-128 on channels 0-15
  off                  Switch every channel off
  shell                Interactive shell

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file (optional)")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (shorthand)")
	simulate := flag.Bool("simulate", false, "Log frames instead of writing to USB")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Usage = usage
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *simulate {
		cfg.Device.Driver = config.DriverSimulated
	}

	if err := run(cfg, flag.Args()); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func run(cfg *config.Config, args []string) error {
	ctx := app.SignalContext()

	bus := eventbus.New()
	defer bus.Close(context.Background())

	dev, err := app.NewDeviceService(cfg, bus)
	if err != nil {
		return err
	}
	dev.Start()
	defer dev.Close()

	transitions := app.NewTransitionService(cfg)
	defer transitions.Close()

	svc := control.NewService(dev.Controller, transitions.Registry, defaultSunDuration, nil)

	if len(args) == 0 {
		args = []string{transition.NameSunrise}
	}

	switch args[0] {
	case "sunrise", "sunset":
		d := defaultSunDuration
		if len(args) > 1 {
			minutes, err := strconv.Atoi(args[1])
			if err != nil || minutes <= 0 {
				return fmt.Errorf("invalid minutes %q", args[1])
			}
			d = time.Duration(minutes) * time.Minute
		}
		return runTransition(ctx, svc, dev, args[0], d)

	case "run":
		if len(args) < 2 {
			return fmt.Errorf("usage: run <name> [duration]")
		}
		var d time.Duration
		if len(args) > 2 {
			if d, err = time.ParseDuration(args[2]); err != nil {
				return fmt.Errorf("invalid duration %q", args[2])
			}
		}
		return runTransition(ctx, svc, dev, args[1], d)

	case "shell":
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		return shell.New(svc, nil, os.Stdout).Run(ctx, cancel)

	default:
		// set and off share the shell syntax.
		sh := shell.New(svc, nil, os.Stdout)
		sh.Exec(strings.Join(args, " "))
		if !svc.Wait(ctx, flushTimeout) {
			return fmt.Errorf("device did not accept the commands within %s", flushTimeout)
		}
		return nil
	}
}

func runTransition(ctx context.Context, svc *control.Service, dev *app.DeviceService, name string, d time.Duration) error {
	if err := svc.StartTransition(name, d, "cli"); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for dev.Controller.TransitionActive() {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Interrupted, leaving channels at their current values")
			return nil
		case <-ticker.C:
		}
	}

	log.Info().Str("transition", name).Msg("Transition complete")
	svc.Wait(ctx, flushTimeout)
	return nil
}

// lsctl drives a linear stage from the command line.
//
// Usage:
//
//	lsctl [-config stage.yaml] [-port /dev/ttyACM0] [-debug] <command> [args]
//
// Commands:
//
//	ports                 list serial ports and mark likely controllers
//	status                connect and print one status poll
//	reference             run the reference move
//	move [-rel] <v> [u]   reference, then move to (or by) v in mm or steps
//	jog <+|-> [duration]  jog until a limit, ctrl-c or the duration elapses
//	shell                 read commands from stdin over one connection
//
// Ctrl-C stops the axis before exiting.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	linearstage "linear_stage"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "lsctl: %v\n", err)
		os.Exit(1)
	}
}

func realMain() error {
	configPath := flag.String("config", "", "YAML config file")
	port := flag.String("port", "", "serial port, or \"auto\"")
	debug := flag.Bool("debug", false, "log raw frames")
	flag.Parse()

	logger := logging.NewLogger("lsctl")
	if *debug {
		logger = logging.NewDebugLogger("lsctl")
	}

	cfg := linearstage.DefaultConfig()
	if *configPath != "" {
		loaded, err := linearstage.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.Debug = cfg.Debug || *debug

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if args[0] == "ports" {
		return listPorts(cfg)
	}

	stage, err := linearstage.NewStage(cfg, logger)
	if err != nil {
		return err
	}
	if err := stage.Connect(ctx, *port); err != nil {
		return err
	}
	defer func() {
		if err := stage.Disconnect(context.Background()); err != nil {
			logger.Warnf("disconnect: %v", err)
		}
	}()

	// Stop must reach the controller even after ctx is cancelled.
	go func() {
		<-ctx.Done()
		if err := stage.Stop(context.Background()); err != nil && !errors.Is(err, linearstage.ErrNotConnected) {
			logger.Errorf("stop: %v", err)
		}
	}()

	switch args[0] {
	case "status":
		st, err := stage.Refresh(ctx)
		printStatus(st)
		return err
	case "reference":
		if err := stage.Reference(ctx); err != nil {
			return err
		}
		printStatus(stage.Status())
		return nil
	case "move":
		return move(ctx, stage, args[1:])
	case "jog":
		return jog(ctx, stage, args[1:])
	case "shell":
		return shell(ctx, stage, logger)
	}
	return errors.Errorf("unknown command %q", args[0])
}

func listPorts(cfg linearstage.Config) error {
	ports, err := linearstage.SystemPorts.ListPorts()
	if err != nil {
		return errors.Wrap(err, "list serial ports")
	}
	for _, p := range ports {
		mark := " "
		for _, sig := range cfg.Signatures {
			if sig.Matches(p) {
				mark = "*"
				break
			}
		}
		if p.IsUSB {
			fmt.Printf("%s %-24s %s:%s %s\n", mark, p.Name, p.VID, p.PID, p.Product)
		} else {
			fmt.Printf("%s %s\n", mark, p.Name)
		}
	}
	return nil
}

func move(ctx context.Context, stage *linearstage.Stage, args []string) error {
	fs := flag.NewFlagSet("move", flag.ContinueOnError)
	rel := fs.Bool("rel", false, "move relative to the current position")
	if err := fs.Parse(args); err != nil {
		return err
	}
	value, unit, err := parseAmount(fs.Args())
	if err != nil {
		return err
	}

	if err := stage.Reference(ctx); err != nil {
		return errors.Wrap(err, "reference before move")
	}
	if *rel {
		err = stage.MoveBy(ctx, value, unit)
	} else {
		err = stage.MoveTo(ctx, value, unit)
	}
	printStatus(stage.Status())
	return err
}

func parseAmount(args []string) (float64, linearstage.Unit, error) {
	if len(args) == 0 || len(args) > 2 {
		return 0, "", errors.New("usage: move [-rel] <value> [mm|steps]")
	}
	value, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return 0, "", errors.Wrapf(err, "bad value %q", args[0])
	}
	unit := linearstage.UnitMM
	if len(args) == 2 {
		unit = linearstage.Unit(args[1])
	}
	return value, unit, nil
}

// jog runs until the duration elapses, a limit stops the axis or ctx ends.
// A zero duration jogs until a limit or ctrl-c.
func jog(ctx context.Context, stage *linearstage.Stage, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: jog <+|-> [duration]")
	}
	dir, err := linearstage.ParseDirection(args[0])
	if err != nil {
		return err
	}
	var deadline time.Time
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return errors.Wrapf(err, "bad duration %q", args[1])
		}
		deadline = time.Now().Add(d)
	}

	if err := stage.Jog(ctx, dir); err != nil {
		return err
	}
	for utils.SelectContextOrWait(ctx, 100*time.Millisecond) {
		st, err := stage.Refresh(ctx)
		if err != nil {
			return err
		}
		if st.State != linearstage.StateJogging {
			printStatus(st)
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
	}
	if err := stage.Stop(context.Background()); err != nil {
		return err
	}
	printStatus(stage.Status())
	return nil
}

func shell(ctx context.Context, stage *linearstage.Stage, logger logging.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// Jogs started from the shell need the same supervision as the jog command.
	go func() {
		for utils.SelectContextOrWait(ctx, 100*time.Millisecond) {
			if stage.Status().State != linearstage.StateJogging {
				continue
			}
			if _, err := stage.Refresh(ctx); err != nil {
				logger.Warnf("jog supervision: %v", err)
			}
		}
	}()

	fmt.Println("commands: ref, move <v> [u], by <v> [u], jog <+|->, stop, soft, ramp <soft|hard>, speed <mm/s>, status, reconnect, quit")
	for {
		fmt.Print("> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := runShellCommand(ctx, stage, fields); err != nil {
			logger.Errorf("%s: %v", fields[0], err)
		}
	}
}

func runShellCommand(ctx context.Context, stage *linearstage.Stage, fields []string) error {
	switch fields[0] {
	case "ref", "reference":
		return stage.Reference(ctx)
	case "move", "by":
		value, unit, err := parseAmount(fields[1:])
		if err != nil {
			return err
		}
		if fields[0] == "by" {
			return stage.MoveBy(ctx, value, unit)
		}
		return stage.MoveTo(ctx, value, unit)
	case "jog":
		if len(fields) != 2 {
			return errors.New("usage: jog <+|->")
		}
		dir, err := linearstage.ParseDirection(fields[1])
		if err != nil {
			return err
		}
		return stage.Jog(ctx, dir)
	case "stop":
		return stage.Stop(ctx)
	case "soft":
		return stage.SoftStop(ctx)
	case "ramp":
		if len(fields) != 2 {
			return errors.New("usage: ramp <soft|hard>")
		}
		return stage.SetRampMode(ctx, linearstage.RampMode(fields[1]))
	case "speed":
		if len(fields) != 2 {
			return errors.New("usage: speed <mm/s>")
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return err
		}
		return stage.SetSpeed(v)
	case "status":
		st, err := stage.Refresh(ctx)
		printStatus(st)
		return err
	case "reconnect":
		return stage.Connect(ctx, "")
	}
	return errors.Errorf("unknown command %q", fields[0])
}

func printStatus(st linearstage.StageStatus) {
	fmt.Printf("%-12s %9.3f mm (%d steps) referenced=%t ramp=%s", st.State, st.PositionMM, st.PositionSteps, st.Referenced, st.Ramp)
	if st.LimitMin {
		fmt.Print(" [min]")
	}
	if st.LimitMax {
		fmt.Print(" [max]")
	}
	fmt.Println()
	if st.Warning != "" {
		fmt.Printf("warning: %s\n", st.Warning)
	}
	if st.Err != nil {
		fmt.Printf("error: %v\n", st.Err)
	}
}

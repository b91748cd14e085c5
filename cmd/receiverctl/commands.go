package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"receiverlink/internal/health"
	"receiverlink/internal/pairing"
	"receiverlink/internal/protocol"
	"receiverlink/internal/receiver"
	"receiverlink/internal/service"
	"receiverlink/internal/store"
)

func cmdPair(g *globalFlags, args []string) error {
	fs := pflag.NewFlagSet("pair", pflag.ContinueOnError)
	code := fs.String("code", "", "pairing code shown by the receiver")
	name := fs.String("name", "", "friendly name for the receiver")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: receiverctl pair <host[:port]> [--code <code>] [--name <name>]")
	}

	e, err := setup(g)
	if err != nil {
		return err
	}
	defer e.close()

	spec, err := parseTarget(fs.Arg(0), e.cfg.Receiver.DefaultPort)
	if err != nil {
		return err
	}
	spec.Name = *name

	ctx, cancel := signalContext()
	defer cancel()

	coord := pairing.NewCoordinator(e.keys, e.sessionOptions())
	attempt, err := coord.Begin(ctx, spec)
	if err != nil {
		return err
	}
	defer attempt.Close()

	fmt.Printf("Receiver %s\n", spec.Addr())
	fmt.Printf("Fingerprint: %s\n", attempt.Fingerprint())

	if *code == "" {
		fmt.Print("Enter the code shown on the receiver: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read code: %w", err)
		}
		*code = strings.TrimSpace(line)
	}

	rec, err := attempt.SubmitCode(*code).Await(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Paired %s as %s (device %s)\n", spec.Addr(), rec.FriendlyName, rec.DeviceID)
	return nil
}

func cmdSend(g *globalFlags, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: receiverctl send <host[:port]> <command> [args...]")
	}

	cmd, err := protocol.Lookup(strings.ToUpper(args[1]))
	if err != nil {
		return err
	}
	if _, err := cmd.Encode(args[2:]...); err != nil {
		return err
	}

	e, err := setup(g)
	if err != nil {
		return err
	}
	defer e.close()

	spec, err := parseTarget(args[0], e.cfg.Receiver.DefaultPort)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, sup, err := e.connect(ctx, spec)
	if err != nil {
		return err
	}
	defer sup.Shutdown(context.Background())

	if _, err := sess.Send(cmd, args[2:]...).Await(ctx); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", cmd)
	return nil
}

func cmdWatch(g *globalFlags, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	events := fs.StringArray("event", nil, "event type to subscribe to (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || len(*events) == 0 {
		return errors.New("usage: receiverctl watch <host[:port]> --event <type> [--event <type>]")
	}

	e, err := setup(g)
	if err != nil {
		return err
	}
	defer e.close()

	spec, err := parseTarget(fs.Arg(0), e.cfg.Receiver.DefaultPort)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, sup, err := e.connect(ctx, spec)
	if err != nil {
		return err
	}
	defer sup.Shutdown(context.Background())

	printer := receiver.NewListener(func(eventType, payload string) {
		fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), eventType, payload)
	})
	for _, t := range *events {
		if _, err := sess.Subscribe(t, printer).Await(ctx); err != nil {
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
	}
	fmt.Fprintf(os.Stderr, "Watching %s on %s (Ctrl-C to stop)\n", strings.Join(*events, ", "), spec.Addr())

	select {
	case <-ctx.Done():
		return nil
	case <-sess.Done():
		if err := sess.Err(); err != nil {
			return fmt.Errorf("session ended: %w", err)
		}
		return nil
	}
}

func cmdDevices(g *globalFlags, args []string) error {
	if len(args) != 0 {
		return errors.New("usage: receiverctl devices")
	}
	e, err := setup(g)
	if err != nil {
		return err
	}
	defer e.close()

	devices, err := e.keys.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No paired receivers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tLAST HOST\tLAST CONNECTED")
	for _, d := range devices {
		last := "never"
		if d.LastConnected != store.UnknownTime {
			last = time.Unix(d.LastConnected, 0).Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.DeviceID, d.FriendlyName, d.LastHost, last)
	}
	return w.Flush()
}

func cmdForget(g *globalFlags, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: receiverctl forget <device-id>")
	}
	e, err := setup(g)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.keys.Forget(args[0]); err != nil {
		return err
	}
	fmt.Printf("Forgot %s\n", args[0])
	return nil
}

func cmdCommands() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tCATEGORY\tARGS")
	for _, c := range protocol.Catalog() {
		argDesc := fmt.Sprint(c.Args)
		if c.Placeholder {
			argDesc = "not implemented"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.Category, argDesc)
	}
	return w.Flush()
}

// connect starts a supervisor and waits for its first connect outcome.
func (e *env) connect(ctx context.Context, spec receiver.Spec) (*receiver.Session, *service.Supervisor, error) {
	type outcome struct {
		session *receiver.Session
		err     error
	}
	result := make(chan outcome, 1)
	report := func(o outcome) {
		select {
		case result <- o:
		default:
		}
	}

	sup := service.NewWithConnector(service.KeystoreConnector{Keys: e.keys}, service.Options{
		Session: e.sessionOptions(),
		Records: e.keys,
		Callbacks: service.Callbacks{
			OnConnected: func(s *receiver.Session) { report(outcome{session: s}) },
			OnConnectError: func(_ receiver.Spec, err error) {
				report(outcome{err: err})
			},
			OnDisconnected: func(spec receiver.Spec, err error) {
				e.logger.Info("receiver disconnected", "receiver", spec.Addr(), "error", err)
			},
			OnReadyChanged: func(spec receiver.Spec, ready bool) {
				e.logger.Debug("receiver readiness", "receiver", spec.Addr(), "ready", ready)
			},
		},
	})
	if err := sup.Start(ctx); err != nil {
		return nil, nil, err
	}
	e.checker.RegisterFunc(health.ComponentSession, false, health.SessionCheck(sup.State))

	if s, ok := sup.RequestConnect(spec); ok {
		return s, sup, nil
	}

	select {
	case o := <-result:
		if o.err != nil {
			sup.Shutdown(context.Background())
			e.checker.Unregister(health.ComponentSession)
			return nil, nil, o.err
		}
		return o.session, sup, nil
	case <-ctx.Done():
		sup.Shutdown(context.Background())
		e.checker.Unregister(health.ComponentSession)
		return nil, nil, ctx.Err()
	}
}

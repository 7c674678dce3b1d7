package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // profiling endpoints, same convention as the rest of the stack
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/txproc/pkg/config"
	"github.com/cuemby/txproc/pkg/event"
	"github.com/cuemby/txproc/pkg/gateway"
	"github.com/cuemby/txproc/pkg/log"
	"github.com/cuemby/txproc/pkg/metrics"
	"github.com/cuemby/txproc/pkg/nucleus"
	"github.com/cuemby/txproc/pkg/reconciler"
	"github.com/cuemby/txproc/pkg/recovery"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "txproc",
	Short: "txProc - a transaction-processing server",
	Long: `txProc accepts events from external clients and dispatches them to
pools of worker processes for execution. Each event targets a named queue;
each queue owns an independent pool of workers that execute either
short-lived external programs or long-lived persistent applications.

The server guarantees that every admitted event is either executed,
retried, or durably logged for later recovery.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"txproc version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.String("main.configFile", "txproc.yaml", "path to the YAML configuration file")
	flags.Bool("main.nonucleus", false, "load and validate config but do not start the nucleus")
	flags.Bool("main.nosocket", false, "do not open the gateway listener")
	flags.String("main.recover", "", "recovery-only mode: replay the named recovery log, then exit when drained")

	flags.Bool("daemonise", false, "detach from the controlling terminal and run in the background")
	flags.Bool("rotate", false, "rotate logs on startup via the configured rotate helper")
	flags.Bool("nologconsole", false, "disable human-readable console logging, JSON only")
	flags.Bool("logstderr", false, "write logs to stderr instead of stdout")
	flags.Bool("flushlogs", false, "accepted; log lines are already written unbuffered, so this flag changes nothing")
	flags.Bool("display_options", false, "print the fully-resolved configuration and exit")
}

// runServe implements the server's one real mode of operation: load the
// config and merge in the --section.key=value overrides that init()'s
// pre-scan set aside, build a nucleus and its queues, open the gateway
// listener unless told not to, and run until a signal or recovery-drain
// tells it to stop.
func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	if daemonise, _ := flags.GetBool("daemonise"); daemonise && os.Getenv("TXPROC_DAEMONIZED") == "" {
		return daemonize()
	}

	configFile, _ := flags.GetString("main.configFile")
	noNucleus, _ := flags.GetBool("main.nonucleus")
	noSocket, _ := flags.GetBool("main.nosocket")
	recoverFile, _ := flags.GetString("main.recover")
	logStderr, _ := flags.GetBool("logstderr")
	noConsole, _ := flags.GetBool("nologconsole")
	displayOnly, _ := flags.GetBool("display_options")

	f, err := config.Load(configFile)
	if err != nil {
		return err
	}
	for _, raw := range overrideArgs {
		section, key, value, err := config.ParseOverrideFlag(raw)
		if err != nil {
			return err
		}
		if err := f.ApplyOverride(section, key, value); err != nil {
			return err
		}
	}

	logOutput := os.Stdout
	if logStderr {
		logOutput = os.Stderr
	}
	log.Init(log.Config{
		Level:      log.Level(f.Global.LogLevel),
		JSONOutput: f.Global.LogJSON || noConsole,
		Output:     logOutput,
	})

	if displayOnly {
		return printResolvedConfig(f)
	}

	if noNucleus {
		log.Logger.Info().Msg("main.nonucleus set, config validated, not starting")
		return nil
	}

	rotate, _ := flags.GetBool("rotate")
	rl, err := recovery.Open(recovery.OpenConfig{
		BaseDir:          f.Global.RecoveryDir,
		RotateOnStart:    rotate,
		RotateHelperPath: f.Global.RotateHelperPath,
		Logger:           log.WithComponent("recovery"),
	})
	if err != nil {
		return fmt.Errorf("open recovery log: %w", err)
	}
	defer rl.Close()

	n := nucleus.New(nucleus.Config{
		MaintenanceTick:     f.Global.MaintenanceTick,
		ExpireScanEvery:     f.Global.ExpireScanEvery,
		NotLocalQueueRouter: f.Global.NotLocalQueueRouter,
		StatsQueue:          f.Global.StatsQueue,
		Logger:              log.WithComponent("nucleus"),
	}, rl)

	descs, err := f.ToQueueDescriptors()
	if err != nil {
		return err
	}
	for _, d := range descs {
		if err := n.AddQueue(d); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if recoverFile != "" {
		return runRecoverMode(ctx, n, recoverFile)
	}

	recon := reconciler.New(rl, reconciler.Config{}, log.WithComponent("reconciler"))
	recon.Start()
	defer recon.Stop()

	collector := metrics.NewCollector(n)
	collector.Start()
	defer collector.Stop()

	if f.Global.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		srv := &http.Server{Addr: f.Global.MetricsAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	var srv *gateway.Server
	if !noSocket {
		srv = gateway.NewServer(n, log.WithComponent("gateway"))
		if err := srv.Listen(f.Global.ListenNetwork, f.Global.ListenAddress); err != nil {
			return fmt.Errorf("open gateway listener: %w", err)
		}
		defer srv.Close()
		log.Logger.Info().Str("network", f.Global.ListenNetwork).Str("address", f.Global.ListenAddress).Msg("gateway listening")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("signal received, shutting down")
		n.Shutdown()
	}()

	return n.Run(ctx)
}

// runRecoverMode implements `--main.recover=<file>`: replay an older
// recovery log's successfully-persisted entries into the freshly-built
// nucleus, then tell it to exit once every pool has drained.
func runRecoverMode(ctx context.Context, n *nucleus.Nucleus, path string) error {
	dest := make(chan *event.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range dest {
			n.Submit(ev)
		}
	}()

	resubmitted, skipped, err := recovery.Recover(path, time.Now(), dest)
	close(dest)
	<-done
	if err != nil {
		return fmt.Errorf("recover %s: %w", path, err)
	}
	log.Logger.Info().Int("resubmitted", resubmitted).Int("skipped", skipped).Msg("recovery replay submitted")

	n.Submit(&event.Event{Kind: event.KindCommand, CommandID: event.CmdExitWhenDone})
	return n.Run(ctx)
}

func printResolvedConfig(f *config.File) error {
	fmt.Printf("global:\n")
	fmt.Printf("  logLevel: %s\n", f.Global.LogLevel)
	fmt.Printf("  dataDir: %s\n", f.Global.DataDir)
	fmt.Printf("  recoveryDir: %s\n", f.Global.RecoveryDir)
	fmt.Printf("  maintenanceTick: %s\n", f.Global.MaintenanceTick)
	fmt.Printf("  notLocalQueueRouter: %s\n", f.Global.NotLocalQueueRouter)
	fmt.Printf("  listenNetwork: %s\n", f.Global.ListenNetwork)
	fmt.Printf("  listenAddress: %s\n", f.Global.ListenAddress)
	fmt.Printf("queues:\n")
	for _, q := range f.Queues {
		fmt.Printf("  - name: %s\n    kind: %s\n    workers: %d\n    maxLength: %d\n", q.Name, q.Kind, q.Workers, q.MaxLength)
	}
	return nil
}

// daemonize re-execs the current binary with its original arguments, a
// detached session, and stdio redirected to /dev/null, then exits the
// parent. There is no pack dependency for backgrounding a process; this
// is the standard fork-via-re-exec idiom since Go cannot fork a running
// runtime in place.
func daemonize() error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	attr := &os.ProcAttr{
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
		Env:   append(os.Environ(), "TXPROC_DAEMONIZED=1"),
	}
	args := append([]string{os.Args[0]}, filterDaemoniseFlag(os.Args[1:])...)
	p, err := os.StartProcess(os.Args[0], args, attr)
	if err != nil {
		return fmt.Errorf("daemonize: %w", err)
	}
	fmt.Printf("txproc started, pid %d\n", p.Pid)
	return nil
}

func filterDaemoniseFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonise" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// overrideArgs holds every `--section.key=value` argument init() pulled
// out of os.Args before cobra parsed the rest; section names are open-
// ended (any queue name), so they can't be registered as cobra flags
// ahead of time.
var overrideArgs []string

func init() {
	rootCmd.Args = cobra.ArbitraryArgs
	rawArgs, overrides := splitOverrideArgs(os.Args[1:])
	overrideArgs = overrides
	os.Args = append([]string{os.Args[0]}, rawArgs...)
}

// splitOverrideArgs separates `--section.key=value` config overrides
// (anything with a dot before the '=' that isn't one of the fixed
// `--main.*` flags cobra already owns) from every other argument.
func splitOverrideArgs(args []string) (rest, overrides []string) {
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			rest = append(rest, a)
			continue
		}
		body := strings.TrimPrefix(a, "--")
		eq := strings.IndexByte(body, '=')
		if eq < 0 {
			rest = append(rest, a)
			continue
		}
		path := body[:eq]
		if strings.HasPrefix(path, "main.") || !strings.Contains(path, ".") {
			rest = append(rest, a)
			continue
		}
		overrides = append(overrides, body)
	}
	return rest, overrides
}

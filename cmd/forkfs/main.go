// Command forkfs 在写时复制的会话中运行程序
//
//	forkfs [global flags] run [--stay-root] [--] command [args...]
//	forkfs [global flags] list
//	forkfs [global flags] stop [--all] [--force] [name...]
//	forkfs [global flags] delete [--all] [--force] [name...]
//	forkfs [global flags] diff [name]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/zqzqsb/forkfs/config"
	"github.com/zqzqsb/forkfs/manager"
)

// EnvDebug 非空时输出调试日志
const EnvDebug = "FORKFS_DEBUG"

// 全局参数
type globalFlags struct {
	config  string
	session string
	verbose bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		var st exitStatus
		if !errors.As(err, &st) {
			fmt.Fprintf(os.Stderr, "forkfs: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

func run(args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("forkfs", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVarP(&g.config, "config", "c", "", "configuration file (default $"+config.EnvConfig+")")
	fs.StringVarP(&g.session, "session", "s", "", "session name (default from configuration)")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "print debug logs")
	fs.Usage = func() { printUsage(os.Stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return usageError(err)
	}
	if fs.NArg() == 0 {
		printUsage(os.Stderr, fs)
		return usageError(errors.New("no command given"))
	}

	cfg, err := config.Load(g.config)
	if err != nil {
		return err
	}
	if g.session == "" {
		g.session = cfg.DefaultSession
	}
	logger := newLogger(g.verbose || os.Getenv(EnvDebug) != "")
	m := manager.New(cfg, logger)
	ctx := context.Background()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "run":
		return runCommand(ctx, m, g, rest)
	case "list", "ls":
		return listCommand(ctx, m, rest)
	case "stop":
		return stopCommand(ctx, m, rest, false)
	case "delete", "rm":
		return stopCommand(ctx, m, rest, true)
	case "diff":
		return diffCommand(ctx, m, g, rest)
	case "help":
		printUsage(os.Stdout, fs)
		return nil
	}
	return usageError(fmt.Errorf("unknown command %q", cmd))
}

func runCommand(ctx context.Context, m *manager.Manager, g globalFlags, args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	stayRoot := fs.Bool("stay-root", m.Config.StayRoot, "run the command as root instead of the sudo caller")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return usageError(err)
	}
	m.Config.StayRoot = *stayRoot

	// 信号转发给被跟踪的程序，由它自己决定是否退出
	sig := make(chan os.Signal, 4)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(sig)
	m.Signals = sig

	out, err := m.Run(ctx, g.session, fs.Args())
	if err != nil {
		return err
	}
	switch code := out.ExitCode(); {
	case code < 0:
		return fmt.Errorf("%s: %v", g.session, out.Result)
	case code > 0:
		return exitStatus(code)
	}
	return nil
}

func listCommand(ctx context.Context, m *manager.Manager, args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return usageError(err)
	}
	if fs.NArg() > 0 {
		return usageError(fmt.Errorf("unexpected argument: %s", fs.Arg(0)))
	}
	infos, err := m.List(ctx)
	if err != nil {
		return err
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		printSessionsInline(os.Stdout, infos)
	} else {
		printSessionsTable(os.Stdout, infos)
	}
	return nil
}

func stopCommand(ctx context.Context, m *manager.Manager, args []string, remove bool) error {
	name := "stop"
	if remove {
		name = "delete"
	}
	var sel manager.Selector
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.BoolVarP(&sel.All, "all", "a", false, "select every session")
	fs.BoolVarP(&sel.Force, "force", "f", false, "detach busy mounts")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return usageError(err)
	}
	sel.Names = fs.Args()
	if sel.All && len(sel.Names) > 0 {
		return usageError(errors.New("--all cannot be combined with session names"))
	}

	var rep manager.Report
	if remove {
		rep = m.Delete(ctx, sel)
	} else {
		rep = m.Stop(ctx, sel)
	}
	for _, it := range rep.Items {
		if it.Err != nil {
			fmt.Fprintf(os.Stderr, "forkfs: %v\n", it.Err)
		}
	}
	if err := rep.Err(); err != nil {
		// 逐项错误已经输出，只保留退出码
		return exitStatus(exitCode(err))
	}
	return nil
}

func diffCommand(ctx context.Context, m *manager.Manager, g globalFlags, args []string) error {
	fs := pflag.NewFlagSet("diff", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return usageError(err)
	}
	name := g.session
	switch fs.NArg() {
	case 0:
	case 1:
		name = fs.Arg(0)
	default:
		return usageError(fmt.Errorf("unexpected argument: %s", fs.Arg(1)))
	}
	changes, err := m.Diff(ctx, name)
	if err != nil {
		return err
	}
	printChanges(os.Stdout, changes)
	return nil
}

// newLogger 在终端上使用文本格式，否则使用 JSON
func newLogger(verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `Usage: forkfs [flags] <command> [args]

Commands:
  run [--stay-root] [--] command [args...]   run a command inside the session
  list                                       list sessions, active ones in brackets
  stop [--all] [--force] [name...]           unmount sessions
  delete [--all] [--force] [name...]         unmount and remove sessions
  diff [name]                                show files changed by a session

Flags:
%s`, fs.FlagUsages())
}

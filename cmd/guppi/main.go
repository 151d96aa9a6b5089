// Command guppi runs the autonomous agent daemon: a perceive-think-act
// loop over a Redis bus, with a durable action journal, tiered memory,
// and a refractory scheduler that keeps the LLM from thinking itself
// to death.
//
// Usage:
//
//	guppi run
//	guppi run --env-file /etc/guppi/.env --log-level debug
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/indoria/guppi/pkg/bus"
	"github.com/indoria/guppi/pkg/clipboard"
	"github.com/indoria/guppi/pkg/cognition"
	"github.com/indoria/guppi/pkg/config"
	"github.com/indoria/guppi/pkg/identity"
	"github.com/indoria/guppi/pkg/inbox"
	"github.com/indoria/guppi/pkg/journal"
	"github.com/indoria/guppi/pkg/llms"
	"github.com/indoria/guppi/pkg/logger"
	"github.com/indoria/guppi/pkg/memory"
	"github.com/indoria/guppi/pkg/prompt"
	"github.com/indoria/guppi/pkg/scheduler"
	"github.com/indoria/guppi/pkg/todo"
	"github.com/indoria/guppi/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" default:"1" help:"Run the agent daemon."`

	EnvFile   string `help:"Path to a dotenv file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("guppi %s\n", version)
	return nil
}

// RunCmd starts the daemon and blocks until a signal or the kill switch.
type RunCmd struct{}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("signal received, shutting down")
		cancel()
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	// Identity first: every queue and beacon name derives from it.
	id := identity.NewManager(cfg.IdentityFile)
	stopWatch, err := id.Watch()
	if err != nil {
		slog.Warn("identity file watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	busClient, err := bus.Connect(cfg.RedisURL)
	if err != nil {
		return err
	}
	retry := bus.RetryPolicy{Attempts: cfg.RedisRetryAttempts, Base: cfg.RedisRetryBase}

	todos, err := todo.Open(cfg.TodoDB, id.Name())
	if err != nil {
		return err
	}
	defer todos.Close()

	clip := clipboard.New(cfg.ClipboardPath(id.Name()))
	wal := inbox.NewWAL(cfg.InboxDumpLog)
	archive := inbox.NewArchive(cfg.CommLog)
	deduper := inbox.NewDeduper(inbox.DefaultTriggerTTL)
	episodes := memory.NewEpisodes(cfg.EpisodesDir, "internal:"+id.Name(), cfg.ModelFlash, busClient, retry)
	vectors := memory.NewVectorStore(cfg.VectorDBPath, busClient, retry)
	digests := memory.NewDigestSync(busClient, archive)

	// The scheduler's local wakeup: pulsed when a tracked subprocess
	// patches its outcome, so the loop re-runs immediately.
	wakeup := make(chan struct{}, 1)
	pulse := func() {
		select {
		case wakeup <- struct{}{}:
		default:
		}
	}

	jrnl, err := journal.Open(journal.Options{
		Path:       cfg.WorkingLog,
		ArchiveDir: cfg.ArchiveDir,
		Agent:      id.Name(),
		Bus:        busClient,
		Retry:      retry,
		Wakeup:     pulse,
	})
	if err != nil {
		return err
	}

	runner := tools.NewRunner(jrnl, cfg.SubprocTimeout, cfg.MaxConcurrentSubprocs)
	spawner := tools.NewSpawner(cfg.BinDir, id.Name, cfg.ModelFlash, cfg.ModelPro, runner)
	jrnl.SetSummarize(spawner.SummarizeArchive)

	prompt.SweepOverflow(cfg.OverflowDir, 0)

	assembler := prompt.NewAssembler(cfg, id, clip, episodes, jrnl, todos)
	provider := llms.NewProvider(cfg)
	governor := cognition.NewGovernor(id.Name, busClient, retry, cfg.GovernorLimit, cfg.GovernorWindow)
	subs := scheduler.LoadSubscriptions(cfg.SubsFile())

	toolbox := tools.NewToolbox(jrnl)
	toolbox.Register(tools.NewShellTool(runner))
	toolbox.Register(tools.NewRemoteExecTool(jrnl, cfg.SSHCmdTimeout))
	toolbox.Register(tools.NewSpawnAgentTool(jrnl, cfg.SSHCmdTimeout))
	toolbox.Register(tools.NewWriteFileTool(id, cfg.PriorsSourceFile, spawner))
	toolbox.Register(tools.NewSpawnScribeTool(spawner, busClient, retry, id.Name))
	toolbox.Register(tools.NewClipboardTool(clip))
	toolbox.Register(tools.NewRagSearchTool(vectors))
	toolbox.Register(tools.NewChatPostTool(busClient, retry, id.Name, id.DisplayName))
	toolbox.Register(tools.NewChatGrabStickTool(busClient, retry, id.Name, cfg.LockTTL))
	toolbox.Register(tools.NewChatHistoryTool(busClient))
	toolbox.Register(tools.NewChatIgnoreTool())
	toolbox.Register(tools.NewEmailSendTool(busClient, retry, id.DisplayName))
	toolbox.Register(tools.NewSubscribeTool(subs))
	toolbox.Register(tools.NewUnsubscribeTool(subs))
	toolbox.Register(tools.NewWebSearchTool(cfg.SearxNGURL))
	toolbox.Register(tools.NewWebReadTool())
	toolbox.Register(tools.NewHibernateTool())
	for _, t := range tools.NewTodoTools(todos) {
		toolbox.Register(t)
	}
	for _, t := range tools.NewNotifyTools(cfg.NtfyURL, cfg.NtfyToken, id.Name) {
		toolbox.Register(t)
	}

	thinker := cognition.NewThinker(cognition.Options{
		ModelPro:   cfg.ModelPro,
		ModelFlash: cfg.ModelFlash,
		Provider:   provider,
		Assembler:  assembler,
		Journal:    jrnl,
		Toolbox:    toolbox,
		Governor:   governor,
		Bus:        busClient,
		Retry:      retry,
		AgentName:  id.Name,
	})

	sched := scheduler.New(scheduler.Options{
		Bus:      busClient,
		Retry:    retry,
		Identity: id,
		Journal:  jrnl,
		WAL:      wal,
		Archive:  archive,
		Deduper:  deduper,
		Episodes: episodes,
		Vectors:  vectors,
		Digests:  digests,
		Todos:    todos,
		Thinker:  thinker,
		Governor: governor,
		Runner:   runner,
		Subs:     subs,
		StubPath: cfg.PriorsStubFile,
		Wakeup:   wakeup,
	})

	slog.Info("daemon initialized", "agent", id.DisplayName())
	sched.Run(ctx)
	sched.Stop(context.Background())
	return nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("guppi"),
		kong.Description("GUPPI - autonomous agent daemon"),
		kong.UsageOnError(),
	)

	if err := config.LoadEnvFile(cli.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

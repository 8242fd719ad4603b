package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/internal/config"
	"github.com/reflexive-dev/reflexive/internal/controlplane"
	"github.com/reflexive-dev/reflexive/internal/httpapi"
	"github.com/reflexive-dev/reflexive/internal/process"
	"github.com/reflexive-dev/reflexive/internal/runtimeregistry"
	"github.com/reflexive-dev/reflexive/internal/sandbox"
	"github.com/reflexive-dev/reflexive/internal/toolplane"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

var (
	portFlag            int
	hostFlag            string
	openFlag            bool
	watchFlag           bool
	interactiveFlag     bool
	injectFlag          bool
	evalFlag            bool
	debugFlag           bool
	sandboxFlag         bool
	writeFlag           bool
	shellFlag           bool
	skipPermissionsFlag bool
	nodeArgsFlag        string
	capabilitiesFlag    string
	configFlag          string
)

var rootCmd = &cobra.Command{
	Use:   "reflexive [entry-file] [-- target-args...]",
	Short: "Reflexive supervises a running program and exposes it to an LLM agent",
	Long: `Reflexive runs a target program under supervision, capturing its logs and
state, and exposes a tool plane an LLM agent can drive over chat: inspect
status, read logs, restart, inject code, and step the debugger, depending
on the capabilities enabled.`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE:         runReflexive,
}

func init() {
	rootCmd.Flags().IntVarP(&portFlag, "port", "p", 0, "port to listen on (default 3099)")
	rootCmd.Flags().StringVar(&hostFlag, "host", "", "host to bind (default localhost)")
	rootCmd.Flags().BoolVarP(&openFlag, "open", "o", false, "open the dashboard in a browser once the server is ready")
	rootCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "restart the target when a file in the working directory changes")
	rootCmd.Flags().BoolVarP(&interactiveFlag, "interactive", "i", false, "attach the target's stdio to this terminal")
	rootCmd.Flags().BoolVar(&injectFlag, "inject", false, "enable process injection")
	rootCmd.Flags().BoolVar(&evalFlag, "eval", false, "enable process injection and eval")
	rootCmd.Flags().BoolVarP(&debugFlag, "debug", "d", false, "enable the debug capability")
	rootCmd.Flags().BoolVarP(&sandboxFlag, "sandbox", "s", false, "run in sandbox mode instead of supervising a local process directly")
	rootCmd.Flags().BoolVar(&writeFlag, "write", false, "enable the writeFiles capability")
	rootCmd.Flags().BoolVar(&shellFlag, "shell", false, "enable the shellAccess capability")
	rootCmd.Flags().BoolVar(&skipPermissionsFlag, "dangerously-skip-permissions", false, "enable every capability, plus inject/eval/debug")
	rootCmd.Flags().StringVar(&nodeArgsFlag, "node-args", "", "space-separated args passed to the node runtime via NODE_OPTIONS")
	rootCmd.Flags().StringVar(&capabilitiesFlag, "capabilities", "", "comma-separated capability list, overriding the individual capability flags")
	rootCmd.Flags().StringVar(&configFlag, "config", "", "directory to search for a config file instead of the working directory")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runReflexive(cmd *cobra.Command, args []string) error {
	entryFile, targetArgs := splitEntryAndPassthrough(cmd, args)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	configDir := cwd
	if configFlag != "" {
		configDir = configFlag
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mode := cfg.Mode
	if sandboxFlag {
		mode = "sandbox"
	}
	cfg.ApplyFlags(config.CLIFlags{Port: portFlag, Host: hostFlag, Mode: mode})

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "reflexive: config error:", e)
		}
		return fmt.Errorf("invalid configuration")
	}

	caps := buildCapabilities(flagCapabilities{
		write:            writeFlag,
		shell:            shellFlag,
		inject:           injectFlag,
		eval:             evalFlag,
		debug:            debugFlag,
		capabilitiesList: capabilitiesFlag,
		skipPermissions:  skipPermissionsFlag,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("reflexive: shutting down...")
		cancel()
	}()

	var server *httpapi.Server
	switch cfg.Mode {
	case "sandbox", "hosted":
		server, err = bootSandboxMode(cfg, caps)
	default:
		if entryFile == "" {
			return fmt.Errorf("an entry file is required in local mode")
		}
		server, err = bootLocalMode(ctx, cfg, caps, entryFile, targetArgs)
	}
	if err != nil {
		return err
	}

	port, err := runtimeregistry.FindAvailablePort(cfg.Port)
	if err != nil {
		return fmt.Errorf("find available port: %w", err)
	}
	cfg.Port = port

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Printf("reflexive: listening on %s (mode=%s)", addr, cfg.Mode)

	if openFlag {
		go func() {
			time.Sleep(300 * time.Millisecond)
			if err := openBrowser(fmt.Sprintf("http://%s:%d", displayHost(cfg.Host), cfg.Port)); err != nil {
				log.Printf("reflexive: could not open browser: %v", err)
			}
		}()
	}

	return server.Start(ctx, addr)
}

// splitEntryAndPassthrough separates the entry file from args meant for the
// target, per spec.md §6.1: everything after a literal "--" passes through
// unmodified.
func splitEntryAndPassthrough(cmd *cobra.Command, args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return args[0], nil
	}
	var entry string
	if dash > 0 {
		entry = args[0]
	}
	return entry, args[dash:]
}

func displayHost(host string) string {
	if host == "" {
		return "localhost"
	}
	return host
}

func bootLocalMode(ctx context.Context, cfg *config.Config, caps types.Capabilities, entryFile string, targetArgs []string) (*httpapi.Server, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	if nodeArgsFlag != "" {
		env["NODE_OPTIONS"] = nodeArgsFlag
	}

	app := appstate.New(1000)
	registry := runtimeregistry.New()
	mgr := process.New(app, registry, types.ProcessConfig{
		Entry:       entryFile,
		Args:        targetArgs,
		Cwd:         cwd,
		Interactive: interactiveFlag,
		Inject:      caps.Inject,
		Eval:        caps.Eval,
		Debug:       caps.Debug,
		Env:         env,
	})

	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("start target: %w", err)
	}

	if watchFlag {
		go func() {
			if err := watchAndRestart(ctx, cwd, mgr); err != nil {
				log.Printf("reflexive: watch disabled: %v", err)
			}
		}()
	}

	plane := toolplane.NewCLIPlane(mgr, caps)

	rl := httpapi.NewRateLimiter(cfg.RateLimit, time.Duration(cfg.RateWindowMs)*time.Millisecond)
	return httpapi.NewServer(httpapi.Deps{
		Config:       cfg,
		App:          app,
		Process:      mgr,
		Plane:        plane,
		Capabilities: caps,
		RateLimiter:  rl,
	}), nil
}

func bootSandboxMode(cfg *config.Config, caps types.Capabilities) (*httpapi.Server, error) {
	provider, err := buildSandboxProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("sandbox provider: %w", err)
	}
	store, err := buildSnapshotStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	maxSandboxes := cfg.Hosted.MaxSandboxes
	if cfg.Mode == "sandbox" && maxSandboxes == 0 {
		maxSandboxes = 1
	}
	mgr := sandbox.NewMultiSandboxManager(provider, store, maxSandboxes, 1000)
	if cfg.Hosted.NATSURL != "" {
		mgr.SetNATSURL(cfg.Hosted.NATSURL)
	}
	if cfg.Sandbox.IdleTimeoutSec > 0 {
		mgr.SetIdleTimeout(time.Duration(cfg.Sandbox.IdleTimeoutSec)*time.Second, func(id, snapshotID string) {
			log.Printf("reflexive: sandbox %s auto-hibernated (snapshot=%s)", id, snapshotID)
		})
	}
	if cfg.Hosted.RedisURL != "" {
		instanceID := uuid.NewString()
		registry, err := controlplane.NewRedisSandboxRegistry(cfg.Hosted.RedisURL, instanceID)
		if err != nil {
			log.Printf("reflexive: sandbox ownership registry disabled: %v", err)
		} else {
			registry.Start()
			mgr.SetOwnershipRegistry(registry)
		}
	}

	plane := toolplane.NewHostedPlane(mgr, caps)

	rl := httpapi.NewRateLimiter(cfg.RateLimit, time.Duration(cfg.RateWindowMs)*time.Millisecond)
	return httpapi.NewServer(httpapi.Deps{
		Config:       cfg,
		Plane:        plane,
		Capabilities: caps,
		Sandboxes:    mgr,
		RateLimiter:  rl,
	}), nil
}

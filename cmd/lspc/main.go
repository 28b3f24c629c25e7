// Package main is lspc, a small command-line LSP client. It starts or dials
// a language server, performs the initialize handshake, optionally lists
// the symbols of one file and then shuts the server down cleanly.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"golang.org/x/term"

	"github.com/dshills/lspengine/internal/config"
	"github.com/dshills/lspengine/internal/logging"
	"github.com/dshills/lspengine/internal/lsp"
	"github.com/dshills/lspengine/internal/process"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	ConfigPath  string
	Command     string
	Args        []string
	Addr        string
	Root        string
	SymbolsFile string
	Timeout     time.Duration
	Wait        time.Duration
	LogLevel    string
	ShowVersion bool

	changed map[string]bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if opts.ShowVersion {
		fmt.Fprintf(stdout, "lspc %s\n", version)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Built: %s\n", date)
		return 0
	}

	cfg, err := buildConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	logCfg.Output = stderr
	logging.ApplyEnv(&logCfg)
	if cfg.LogLevel != "" {
		lvl, ok := logging.ParseLevel(cfg.LogLevel)
		if !ok {
			fmt.Fprintf(stderr, "Error: invalid log level %q\n", cfg.LogLevel)
			return 1
		}
		logCfg.Level = lvl
	}
	log := logging.New(logCfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session(ctx, cfg, opts, log, stdout); err != nil {
		log.Error().Err(err).Msg("lspc failed")
		return 1
	}
	return 0
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("lspc", pflag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to a TOML or YAML configuration file")
	fs.StringVar(&opts.Command, "command", "", "Language server executable")
	fs.StringArrayVar(&opts.Args, "arg", nil, "Argument for the language server (repeatable)")
	fs.StringVar(&opts.Addr, "addr", "", "Dial a language server at host:port instead of running one")
	fs.StringVarP(&opts.Root, "root", "r", "", "Workspace root directory")
	fs.StringVarP(&opts.SymbolsFile, "symbols", "s", "", "Print the document symbols of this file")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "Per-request timeout (0 disables)")
	fs.DurationVar(&opts.Wait, "wait", 0, "Wait up to this long for the server to finish indexing before requesting symbols")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.BoolVarP(&opts.ShowVersion, "version", "v", false, "Show version information")

	fs.Usage = func() {
		fmt.Fprintf(output, "lspc - command-line Language Server Protocol client\n\n")
		fmt.Fprintf(output, "Usage: lspc [options]\n\n")
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  lspc --command gopls --symbols main.go\n")
	fmt.Fprintf(output, "  lspc --command rust-analyzer --wait 30s -s src/main.rs\n")
		fmt.Fprintf(output, "  lspc --addr 127.0.0.1:9257 -r ./project\n")
		fmt.Fprintf(output, "  lspc -c lspc.toml -s internal/lsp/session.go\n")
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	opts.changed = make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		opts.changed[f.Name] = true
	})
	return opts, nil
}

// buildConfig layers defaults, the config file, the environment and flags.
func buildConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}

	if opts.changed["command"] {
		cfg.Server.Command = opts.Command
		cfg.Server.Address = ""
	}
	if opts.changed["arg"] {
		cfg.Server.Args = opts.Args
	}
	if opts.changed["addr"] {
		cfg.Server.Address = opts.Addr
		cfg.Server.Command = ""
	}
	if opts.changed["root"] {
		cfg.Root = opts.Root
	}
	if opts.changed["timeout"] {
		cfg.RequestTimeout = opts.Timeout
	}
	if opts.changed["log-level"] {
		cfg.LogLevel = opts.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return config.Config{}, fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = root
	return cfg, nil
}

// session connects to the server and runs the client workflow.
func session(ctx context.Context, cfg config.Config, opts options, log zerolog.Logger, out io.Writer) error {
	var (
		r    io.Reader
		w    io.Writer
		c    io.Closer
		proc *process.Process
	)
	if cfg.Server.Address != "" {
		conn, err := process.Dial(ctx, cfg.Server.Address)
		if err != nil {
			return err
		}
		r, w, c = conn, conn, conn
	} else {
		workDir := cfg.Server.WorkDir
		if workDir == "" {
			workDir = cfg.Root
		}
		var err error
		proc, err = process.Launch(ctx, process.Spec{
			Command: cfg.Server.Command,
			Args:    cfg.Server.Args,
			Env:     cfg.Server.Env,
			Dir:     workDir,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		r, w, c = proc.Stdout(), proc.Stdin(), proc
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := proc.Stop(stopCtx); err != nil {
				log.Debug().Err(err).Msg("server stop")
			}
		}()
	}

	s := lsp.New(r, w, c,
		lsp.WithRequestTimeout(cfg.RequestTimeout),
		lsp.WithShutdownTimeout(cfg.ShutdownTimeout),
		lsp.WithLogger(log),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("close session")
		}
	}()
	if err := registerHandlers(s, log); err != nil {
		return err
	}
	progress, err := lsp.TrackProgress(s)
	if err != nil {
		return err
	}

	rootURI := lsp.FilePathToURI(cfg.Root)
	result, err := lsp.Initialize(ctx, s, lsp.InitializeParams{
		ClientInfo: &lsp.ClientInfo{Name: "lspc", Version: version},
		RootURI:    &rootURI,
		Capabilities: lsp.ClientCapabilities{
			TextDocument: &lsp.TextDocumentClientCapabilities{
				DocumentSymbol: &lsp.DocumentSymbolClientCapabilities{HierarchicalDocumentSymbolSupport: true},
			},
			Window: &lsp.WindowClientCapabilities{WorkDoneProgress: true},
		},
		InitializationOptions: cfg.Server.InitializationOptions,
		WorkspaceFolders:      []lsp.WorkspaceFolder{{URI: rootURI, Name: filepath.Base(cfg.Root)}},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	ev := log.Info()
	if result.ServerInfo != nil {
		ev = ev.Str("server", result.ServerInfo.Name).Str("version", result.ServerInfo.Version)
	}
	ev.Msg("initialized")

	if opts.SymbolsFile == "" {
		return nil
	}
	if !result.HasCapability("documentSymbolProvider") {
		return errors.New("server does not provide document symbols")
	}
	if opts.Wait > 0 {
		if err := waitReady(ctx, progress, opts.Wait, log); err != nil {
			return err
		}
	}
	symbols, err := documentSymbols(ctx, s, opts.SymbolsFile)
	if err != nil {
		return err
	}
	return printJSON(out, symbols)
}

// waitReady holds the symbol request until the server has finished its
// startup work. Running out of time is not an error.
func waitReady(ctx context.Context, progress *lsp.ProgressTracker, wait time.Duration, log zerolog.Logger) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	err := progress.WaitReady(waitCtx)
	switch {
	case err == nil:
		log.Debug().Msg("server ready")
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		log.Warn().Strs("active", progress.Active()).Dur("waited", wait).Msg("server still busy, continuing")
		return nil
	default:
		return err
	}
}

func documentSymbols(ctx context.Context, s *lsp.Session, path string) ([]lsp.DocumentSymbol, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	uri := lsp.FilePathToURI(path)
	if err := lsp.DidOpen(ctx, s, lsp.TextDocumentItem{
		URI:        uri,
		LanguageID: lsp.DetectLanguageID(path),
		Version:    1,
		Text:       string(text),
	}); err != nil {
		return nil, fmt.Errorf("didOpen: %w", err)
	}
	defer func() {
		_ = lsp.DidClose(ctx, s, uri)
	}()

	symbols, err := lsp.DocumentSymbols(ctx, s, uri)
	if err != nil {
		return nil, fmt.Errorf("documentSymbol: %w", err)
	}
	return symbols, nil
}

// registerHandlers answers the server requests and notifications most
// servers send during startup.
func registerHandlers(s *lsp.Session, log zerolog.Logger) error {
	logMessage := func(_ context.Context, params json.RawMessage) error {
		p := gjson.ParseBytes(params)
		log.Info().Int64("type", p.Get("type").Int()).Msg(p.Get("message").String())
		return nil
	}
	null := func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	}

	return errors.Join(
		s.OnNotification("window/logMessage", logMessage),
		s.OnNotification("window/showMessage", logMessage),
		s.OnRequest(lsp.MethodWorkDoneProgressCreate, null),
		s.OnRequest("client/registerCapability", null),
		s.OnRequest("workspace/configuration", func(_ context.Context, params json.RawMessage) (any, error) {
			// One null setting per requested item.
			n := gjson.GetBytes(params, "items.#").Int()
			return make([]any, n), nil
		}),
	)
}

func printJSON(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out := pretty.Pretty(raw)
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		out = pretty.Color(out, nil)
	}
	_, err = w.Write(out)
	return err
}

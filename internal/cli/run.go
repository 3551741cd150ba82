package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/docstore/internal/config"
	"github.com/calvinalkan/docstore/pkg/docstore"
	"github.com/calvinalkan/docstore/pkg/fs"
)

var errUnknownCommand = errors.New("unknown command")

const historyName = ".docstore_history"

// Run is the main entry point. Returns exit code.
//
// sigCh may be nil. The first signal cancels the running command's context;
// the engine then abandons lock waits and I/O at the next deadline check.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	global := flag.NewFlagSet("docstore", flag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(&strings.Builder{})
	global.Usage = func() {}

	workDir := global.StringP("cwd", "C", "", "Run as if started in `dir`")
	configPath := global.StringP("config", "c", "", "Use specified config `file`")
	dataFile := global.String("data", "", "Snapshot `file` (overrides data_file)")
	compress := global.Bool("compress", false, "Gzip the snapshot (appends .gz)")
	codec := global.String("codec", "", "Snapshot codec: json or msgpack")
	verbose := global.BoolP("verbose", "v", false, "Log debug output to stderr")
	help := global.BoolP("help", "h", false, "Show help")

	commands := buildCommands(nil)

	if len(args) > 0 {
		args = args[1:]
	}

	err := global.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, global, commands)

		return 1
	}

	rest := global.Args()
	if *help || len(rest) == 0 {
		printUsage(out, global, commands)

		return 0
	}

	input := config.Input{
		WorkDirOverride: *workDir,
		ConfigPath:      *configPath,
		DataFile:        *dataFile,
		Codec:           *codec,
		Env:             env,
	}

	if global.Changed("compress") {
		input.Compress = compress
	}

	if *verbose {
		input.LogLevel = "debug"
	}

	cfg, err := config.Load(input)
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	a := &app{cfg: cfg, logger: logger, in: in, fsys: fs.NewReal()}

	if home := env["HOME"]; home != "" {
		a.historyFile = filepath.Join(home, historyName)
	}

	commands = buildCommands(a)

	name := rest[0]

	cmd, ok := commands[name]
	if !ok {
		fprintln(errOut, "error:", fmt.Errorf("%w: %s", errUnknownCommand, name))
		fprintln(errOut)
		printUsage(errOut, global, commands)

		return 1
	}

	logger.LogAttrs(ctx, slog.LevelDebug, "run command",
		slog.String("command", name),
		slog.String("data_file", cfg.DataFileAbs),
		slog.String("codec", cfg.Codec),
	)

	o := NewIO(out, errOut)

	if code := cmd.Run(ctx, o, rest[1:]); code != 0 {
		return code
	}

	return o.Finish()
}

// buildCommands returns every command keyed by name. a may be nil when only
// help text is needed.
func buildCommands(a *app) map[string]*Command {
	commands := make(map[string]*Command)

	for _, act := range actions() {
		cmd := actionCommand(a, act)
		commands[cmd.Name()] = cmd
	}

	for _, cmd := range []*Command{ShellCmd(a), PrintConfigCmd(a)} {
		commands[cmd.Name()] = cmd
	}

	return commands
}

// actionCommand wraps act as a one-shot command that opens the store, runs
// act and closes the store. One-shot commands do not log in: whoever can
// open the data file can change it.
func actionCommand(a *app, act *action) *Command {
	long := act.long
	if long == "" {
		long = act.short + "."
	}

	return &Command{
		Usage: act.usage,
		Short: act.short,
		Long:  long,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if err := act.checkArgs(args); err != nil {
				return err
			}

			return a.withStore(ctx, func(db *docstore.Engine) error {
				return act.run(ctx, &session{app: a, db: db, o: o}, args)
			})
		},
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

// commandOrder is the listing order in usage output.
var commandOrder = []string{
	"create", "read", "update", "delete", "list", "find",
	"join", "max", "min", "sum", "avg", "inspect",
	"import", "export", "attach", "attachments", "fetch",
	"info", "shell", "print-config",
}

func printUsage(w io.Writer, global *flag.FlagSet, commands map[string]*Command) {
	fprintln(w, `docstore - embedded document store

Usage: docstore [flags] <command> [args]

Global flags:`)

	var buf strings.Builder
	global.SetOutput(&buf)
	global.PrintDefaults()
	global.SetOutput(&strings.Builder{})
	_, _ = io.WriteString(w, buf.String())

	fprintln(w)
	fprintln(w, "Commands:")

	for _, name := range commandOrder {
		if cmd, ok := commands[name]; ok {
			fprintln(w, cmd.HelpLine())
		}
	}

	fprintln(w)
	fprintln(w, `Run "docstore <command> --help" for details.`)
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"

	"github.com/calvinalkan/docstore/internal/auth"
	"github.com/calvinalkan/docstore/pkg/docstore"
)

var (
	errQuit          = errors.New("quit")
	errShellFailures = errors.New("commands failed")
)

// Names the shell accepts for compatibility with older scripts.
var shellAliases = map[string]string{
	"import_csv":    "import",
	"export_csv":    "export",
	"inspect_index": "inspect",
	"quit":          "exit",
	"q":             "exit",
}

// ShellCmd returns the shell command.
func ShellCmd(a *app) *Command {
	return &Command{
		Usage: "shell",
		Short: "Start an interactive session",
		Long: "Start an interactive session holding the store open. Log in first;\n" +
			"delete, import and export need an admin login. Supports begin,\n" +
			"commit and rollback. Reads commands from stdin when it is not a terminal.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.withStore(ctx, func(db *docstore.Engine) error {
				sh := newShell(a, db, o)

				return sh.run(ctx, newLineReader(a.in, a.historyFile, sh.complete))
			})
		},
	}
}

// lineReader is the prompt loop's input. liner when attached to the
// process's stdin, a plain scanner otherwise.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

func newLineReader(in io.Reader, historyFile string, complete liner.Completer) lineReader {
	if in == os.Stdin {
		return newLinerReader(historyFile, complete)
	}

	if in == nil {
		in = strings.NewReader("")
	}

	return &scanReader{sc: bufio.NewScanner(in)}
}

type linerReader struct {
	st          *liner.State
	historyFile string
}

func newLinerReader(historyFile string, complete liner.Completer) *linerReader {
	st := liner.NewLiner()
	st.SetCtrlCAborts(true)
	st.SetCompleter(complete)

	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			_, _ = st.ReadHistory(f)
			_ = f.Close()
		}
	}

	return &linerReader{st: st, historyFile: historyFile}
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	return r.st.Prompt(prompt)
}

func (r *linerReader) AppendHistory(line string) {
	r.st.AppendHistory(line)
}

func (r *linerReader) Close() error {
	var histErr error

	if r.historyFile != "" {
		f, err := os.Create(r.historyFile)
		if err == nil {
			_, histErr = r.st.WriteHistory(f)
			histErr = errors.Join(histErr, f.Close())
		}
	}

	return errors.Join(histErr, r.st.Close())
}

type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.sc.Scan() {
		return r.sc.Text(), nil
	}

	if err := r.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }

type shell struct {
	s       *session
	auth    *auth.Session
	actions []*action
	byName  map[string]*action

	failures int
}

func newShell(a *app, db *docstore.Engine, o *IO) *shell {
	acts := actions()

	byName := make(map[string]*action, len(acts))
	for _, act := range acts {
		byName[act.name()] = act
	}

	return &shell{
		s:       &session{app: a, db: db, o: o, interactive: true},
		auth:    auth.NewSession(a.cfg.Credentials()),
		actions: acts,
		byName:  byName,
	}
}

func (sh *shell) run(ctx context.Context, lr lineReader) (err error) {
	defer func() {
		err = errors.Join(err, lr.Close())
	}()

	if _, ok := lr.(*linerReader); ok {
		sh.s.o.Println("docstore shell on " + sh.s.db.Path())
		sh.s.o.Println("Type 'help' for commands, 'login <user> <password>' to start.")
	}

	for ctx.Err() == nil {
		line, err := lr.Prompt(sh.prompt(ctx))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lr.AppendHistory(line)

		if sh.exec(ctx, line) {
			break
		}
	}

	sh.warnOpenTransaction(ctx)

	// Scripts piped into the shell get a failing exit code.
	if _, ok := lr.(*scanReader); ok && sh.failures > 0 {
		return fmt.Errorf("%w: %d", errShellFailures, sh.failures)
	}

	return nil
}

func (sh *shell) prompt(ctx context.Context) string {
	if inTx, err := sh.s.db.InTransaction(ctx); err == nil && inTx {
		return "docstore*> "
	}

	return "docstore> "
}

// exec runs one line and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	defer sh.s.o.drainWarnings()

	words, err := docstore.SplitWords(line)
	if err != nil {
		sh.failures++
		sh.s.o.ErrPrintln("error:", err)

		return false
	}

	if len(words) == 0 {
		return false
	}

	name := strings.ToLower(words[0])
	if alias, ok := shellAliases[name]; ok {
		name = alias
	}

	err = sh.dispatch(ctx, name, words[1:])
	if errors.Is(err, errQuit) {
		return true
	}

	if err != nil {
		sh.failures++
		sh.s.o.ErrPrintln("error:", err)
	}

	return false
}

func (sh *shell) dispatch(ctx context.Context, name string, args []string) error {
	o := sh.s.o

	switch name {
	case "exit":
		return errQuit

	case "help", "?":
		sh.printHelp()

		return nil

	case "login":
		if len(args) != 2 {
			return fmt.Errorf("%w: usage: login <user> <password>", errUsage)
		}

		u, err := sh.auth.Login(args[0], args[1])
		if err != nil {
			return err
		}

		o.Println("logged in as", u)

		return nil

	case "logout":
		u, err := sh.auth.Logout()
		if err != nil {
			return err
		}

		o.Println("logged out", u.Name)

		return nil

	case "whoami":
		u, ok := sh.auth.Current()
		if !ok {
			return auth.ErrNotLoggedIn
		}

		o.Println(u)

		return nil

	case "begin", "commit", "rollback", "save":
		if err := sh.auth.Require(auth.RoleUser); err != nil {
			return err
		}

		if len(args) != 0 {
			return fmt.Errorf("%w: usage: %s", errUsage, name)
		}

		return sh.txCommand(ctx, name)
	}

	act, ok := sh.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s (type 'help' for commands)", errUnknownCommand, name)
	}

	role := auth.RoleUser
	if act.admin {
		role = auth.RoleAdmin
	}

	if err := sh.auth.Require(role); err != nil {
		return err
	}

	if err := act.checkArgs(args); err != nil {
		return err
	}

	return act.run(ctx, sh.s, args)
}

func (sh *shell) txCommand(ctx context.Context, name string) error {
	db, o := sh.s.db, sh.s.o

	switch name {
	case "begin":
		if err := db.Begin(ctx); err != nil {
			return err
		}

		o.Println("transaction started")
	case "commit":
		if err := db.Commit(ctx); err != nil {
			return err
		}

		o.Println("transaction committed")
	case "rollback":
		if err := db.Rollback(ctx); err != nil {
			return err
		}

		o.Println("transaction rolled back")
	case "save":
		if err := db.Save(ctx); err != nil {
			return err
		}

		o.Println("saved", db.Path())
	}

	return nil
}

func (sh *shell) warnOpenTransaction(ctx context.Context) {
	inTx, err := sh.s.db.InTransaction(context.WithoutCancel(ctx))
	if err == nil && inTx {
		sh.s.o.Warn("uncommitted transaction discarded")
		sh.s.o.drainWarnings()
	}
}

func (sh *shell) names() []string {
	names := []string{"login", "logout", "whoami", "begin", "commit", "rollback", "save", "help", "exit"}
	for _, act := range sh.actions {
		names = append(names, act.name())
	}

	return names
}

// complete provides tab completion for command names.
func (sh *shell) complete(line string) []string {
	if strings.ContainsRune(line, ' ') {
		return nil
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, name := range sh.names() {
		if strings.HasPrefix(name, lower) {
			completions = append(completions, name)
		}
	}

	return completions
}

func (sh *shell) printHelp() {
	o := sh.s.o

	o.Println("Session:")
	o.Println("  login <user> <password>          Log in")
	o.Println("  logout                           Log out")
	o.Println("  whoami                           Show the current user")
	o.Println("  begin                            Start a transaction")
	o.Println("  commit                           Persist the transaction's changes")
	o.Println("  rollback                         Undo the transaction's changes")
	o.Println("  save                             Write a snapshot now")
	o.Println("  help                             Show this help")
	o.Println("  exit                             Leave the shell")
	o.Println()
	o.Println("Commands:")

	for _, act := range sh.actions {
		line := fmt.Sprintf("  %-32s %s", act.usage, act.short)
		if act.admin {
			line += " (admin)"
		}

		o.Println(line)
	}

	o.Println()
	o.Println("Quote arguments containing spaces: create k '{\"Name\": \"Ann Lee\"}'")
}

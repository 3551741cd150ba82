package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one docstore subcommand. Subcommands take positional
// arguments only; the global flags are parsed before dispatch.
type Command struct {
	// Usage is the command name followed by its arguments, as shown after
	// "docstore" in help. Example: "create <key> <value...>".
	Usage string

	// Short is the one-line description in the command listing.
	Short string

	// Long is shown by "docstore <cmd> --help". Defaults to Short.
	Long string

	// Exec runs the command with its positional arguments.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine returns the command's row in the usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-32s %s", c.Usage, c.Short)
}

// PrintHelp writes "docstore <cmd> --help" output to w.
func (c *Command) PrintHelp(w io.Writer) {
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	_, _ = fmt.Fprintf(w, "Usage: docstore %s\n\n%s\n", c.Usage, desc)
}

// Run executes the command and returns its exit code. Only -h/--help is
// recognised before the first positional argument, so a value such as "-5"
// after the key reaches Exec untouched.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	flags := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	flags.SetOutput(&strings.Builder{})
	flags.SetInterspersed(false)

	err := flags.Parse(args)

	switch {
	case errors.Is(err, flag.ErrHelp):
		c.PrintHelp(o.Out())
		return 0
	case err != nil:
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o.errOut)

		return 1
	}

	if err := c.Exec(ctx, o, flags.Args()); err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}

	return 0
}

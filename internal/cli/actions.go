package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/calvinalkan/docstore/pkg/docstore"
)

var (
	errUsage    = errors.New("wrong number of arguments")
	errNoInput  = errors.New("no stdin available")
	errNeedDest = errors.New("fetch in the shell needs a destination file")
)

// stdio names standard input or output in place of a file argument.
const stdio = "-"

// action is a store operation reachable both as a one-shot subcommand and
// as a shell command.
type action struct {
	usage string
	short string
	long  string

	minArgs int
	maxArgs int // -1 means unbounded

	// admin restricts the action to admin logins in the shell.
	admin bool

	run func(ctx context.Context, s *session, args []string) error
}

// session is one open store plus the IO and app it runs under.
type session struct {
	app *app
	db  *docstore.Engine
	o   *IO

	// interactive is set in the shell, where stdin is the command stream.
	interactive bool
}

func (a *action) name() string {
	name, _, _ := strings.Cut(a.usage, " ")
	return name
}

func (a *action) checkArgs(args []string) error {
	if len(args) < a.minArgs || (a.maxArgs >= 0 && len(args) > a.maxArgs) {
		return fmt.Errorf("%w: usage: %s", errUsage, a.usage)
	}

	return nil
}

func actions() []*action {
	return []*action{
		{
			usage: "create <key> <value...>", short: "Create a record",
			long: "Create a record. The value words are joined with spaces and parsed as\n" +
				"JSON; anything that is not valid JSON is stored as a string.",
			minArgs: 2, maxArgs: -1, run: runCreate,
		},
		{usage: "read <key>", short: "Print a record's value", minArgs: 1, maxArgs: 1, run: runRead},
		{
			usage: "update <key> <value...>", short: "Replace a record's value",
			long: "Replace a record's value. Attachments of an object value are kept\n" +
				"when the new value does not list them.",
			minArgs: 2, maxArgs: -1, run: runUpdate,
		},
		{usage: "delete <key>", short: "Delete a record", minArgs: 1, maxArgs: 1, admin: true, run: runDelete},
		{usage: "list", short: "List all records in key order", maxArgs: 0, run: runList},
		{
			usage: "find <query...>", short: "Find keys matching a query",
			long: "Find keys matching a query. Forms:\n" +
				"  find = <value>                records whose value equals value\n" +
				"  find > <number>               numeric values above number\n" +
				"  find < <number>               numeric values below number\n" +
				"  find contains <text>          case-insensitive substring\n" +
				"  find fulltext <words...>      records containing every word\n" +
				"  find <field> = <value>        objects whose field equals value\n" +
				"Append \"sortby <field>\" and/or \"limit <n>\".",
			minArgs: 1, maxArgs: -1, run: runFind,
		},
		{
			usage: "join <key1> <key2> [field]", short: "Compare two records",
			long: "Compare two records, either whole or by one field of both objects.",
			minArgs: 2, maxArgs: 3, run: runJoin,
		},
		aggregateAction(docstore.AggMax, "Largest number in a record"),
		aggregateAction(docstore.AggMin, "Smallest number in a record"),
		aggregateAction(docstore.AggSum, "Sum of the numbers in a record"),
		aggregateAction(docstore.AggAvg, "Average of the numbers in a record"),
		{
			usage: "inspect [token]", short: "Show full-text index buckets",
			maxArgs: 1, run: runInspect,
		},
		{
			usage: "import <file|->", short: "Import records from CSV",
			long: "Import records from a CSV file with \"key\" and \"value\" columns.\n" +
				"Rows that fail are reported as warnings and the import continues.",
			minArgs: 1, maxArgs: 1, admin: true, run: runImport,
		},
		{
			usage: "export [file|-]", short: "Export records to CSV",
			long: "Export every record as key,value CSV, to stdout by default.",
			maxArgs: 1, admin: true, run: runExport,
		},
		{usage: "attach <key> <file>", short: "Attach a file to a record", minArgs: 2, maxArgs: 2, run: runAttach},
		{usage: "attachments <key>", short: "List a record's attachments", minArgs: 1, maxArgs: 1, run: runAttachments},
		{
			usage: "fetch <key> <name> [dest|-]", short: "Write an attachment's content",
			long: "Write an attachment's content to dest, or stdout when omitted.\n" +
				"name is the attachment's original file name or its blob path.",
			minArgs: 2, maxArgs: 3, run: runFetch,
		},
		{usage: "info", short: "Show store statistics", maxArgs: 0, run: runInfo},
	}
}

func runCreate(ctx context.Context, s *session, args []string) error {
	_, err := s.db.Create(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	s.o.Println("created", args[0])

	return nil
}

func runRead(ctx context.Context, s *session, args []string) error {
	v, err := s.db.Read(ctx, args[0])
	if err != nil {
		return err
	}

	s.o.Println(v.Canonical())

	return nil
}

func runUpdate(ctx context.Context, s *session, args []string) error {
	_, err := s.db.Update(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	s.o.Println("updated", args[0])

	return nil
}

func runDelete(ctx context.Context, s *session, args []string) error {
	err := s.db.Delete(ctx, args[0])
	if err != nil {
		return err
	}

	s.o.Println("deleted", args[0])

	return nil
}

func runList(ctx context.Context, s *session, _ []string) error {
	recs, err := s.db.List(ctx)
	if err != nil {
		return err
	}

	for _, r := range recs {
		s.o.Printf("%s\t%s\n", r.Key, r.Value.Canonical())
	}

	return nil
}

func runFind(ctx context.Context, s *session, args []string) error {
	q, err := docstore.ParseQueryWords(args)
	if err != nil {
		return err
	}

	keys, err := s.db.Find(ctx, q)
	if err != nil {
		return err
	}

	for _, k := range keys {
		s.o.Println(k)
	}

	return nil
}

func runJoin(ctx context.Context, s *session, args []string) error {
	var field string
	if len(args) == 3 {
		field = args[2]
	}

	res, err := s.db.Join(ctx, args[0], args[1], field)
	if err != nil {
		return err
	}

	if !res.Matched {
		s.o.Println("no match")

		return nil
	}

	s.o.Println("match")
	s.o.Printf("%s\t%s\n", args[0], res.Left.Canonical())
	s.o.Printf("%s\t%s\n", args[1], res.Right.Canonical())

	return nil
}

func aggregateAction(agg docstore.Aggregate, short string) *action {
	return &action{
		usage:   string(agg) + " <key>",
		short:   short,
		long:    short + ". The value must be a number or an array of numbers.",
		minArgs: 1,
		maxArgs: 1,
		run: func(ctx context.Context, s *session, args []string) error {
			v, err := s.db.Aggregate(ctx, agg, args[0])
			if err != nil {
				return err
			}

			s.o.Println(v.Canonical())

			return nil
		},
	}
}

func runInspect(ctx context.Context, s *session, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	}

	buckets, err := s.db.InspectIndex(ctx, token)
	if err != nil {
		return err
	}

	tokens := make([]string, 0, len(buckets))
	for tok := range buckets {
		tokens = append(tokens, tok)
	}

	slices.Sort(tokens)

	for _, tok := range tokens {
		s.o.Printf("%s\t%s\n", tok, strings.Join(buckets[tok], " "))
	}

	return nil
}

func runImport(ctx context.Context, s *session, args []string) error {
	var r io.Reader

	if args[0] == stdio {
		if s.interactive || s.app.in == nil {
			return errNoInput
		}

		r = s.app.in
	} else {
		f, err := os.Open(s.app.resolve(args[0]))
		if err != nil {
			return fmt.Errorf("open csv: %w", err)
		}

		defer func() { _ = f.Close() }()

		r = f
	}

	res, err := s.db.ImportCSV(ctx, r)

	for _, rowErr := range res.Failed {
		s.o.Warn(rowErr.Error())
	}

	if err != nil {
		return err
	}

	s.o.Printf("imported %d records, %d failed\n", res.Created, len(res.Failed))

	return nil
}

func runExport(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 || args[0] == stdio {
		_, err := s.db.ExportCSV(ctx, s.o.Out())

		return err
	}

	var buf bytes.Buffer

	n, err := s.db.ExportCSV(ctx, &buf)
	if err != nil {
		return err
	}

	err = s.app.writeFile(ctx, args[0], buf.Bytes())
	if err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	s.o.Printf("exported %d records to %s\n", n, args[0])

	return nil
}

func runAttach(ctx context.Context, s *session, args []string) error {
	meta, err := s.db.Attach(ctx, args[0], s.app.resolve(args[1]))
	if err != nil {
		return err
	}

	s.o.Printf("attached %s to %s as %s (%d bytes)\n", meta.Name, args[0], meta.Path, meta.OriginalSize)

	return nil
}

func runAttachments(ctx context.Context, s *session, args []string) error {
	metas, err := s.db.Attachments(ctx, args[0])
	if err != nil {
		return err
	}

	for _, m := range metas {
		s.o.Printf("%s\t%s\t%d\t%s\t%s\n",
			m.Name, m.Path, m.OriginalSize, m.MIMEType, m.UploadedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}

	return nil
}

func runFetch(ctx context.Context, s *session, args []string) error {
	if len(args) < 3 || args[2] == stdio {
		if s.interactive {
			return errNeedDest
		}

		_, err := s.db.Fetch(ctx, args[0], args[1], s.o.Out())

		return err
	}

	var buf bytes.Buffer

	meta, err := s.db.Fetch(ctx, args[0], args[1], &buf)
	if err != nil {
		return err
	}

	err = s.app.writeFile(ctx, args[2], buf.Bytes())
	if err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}

	s.o.Printf("wrote %s (%d bytes) to %s\n", meta.Name, buf.Len(), args[2])

	return nil
}

func runInfo(ctx context.Context, s *session, _ []string) error {
	n, err := s.db.Len(ctx)
	if err != nil {
		return err
	}

	inTx, err := s.db.InTransaction(ctx)
	if err != nil {
		return err
	}

	view, err := s.db.Indexes(ctx)
	if err != nil {
		return err
	}

	s.o.Println("path=" + s.db.Path())
	s.o.Printf("records=%d\n", n)
	s.o.Printf("in_transaction=%t\n", inTx)
	s.o.Printf("equality_buckets=%d\n", len(view.Equality))
	s.o.Printf("numeric_entries=%d\n", len(view.Numeric))
	s.o.Printf("tokens=%d\n", len(view.Inverted))

	return nil
}

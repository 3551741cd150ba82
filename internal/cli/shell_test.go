package cli_test

import (
	"testing"

	"github.com/calvinalkan/docstore/internal/cli"
)

func Test_Shell_Requires_Login_When_Data_Command_Run(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, code := c.Shell(
		"create a 1",
		"login admin wrong",
		"whoami",
	)

	if got, want := code, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "error: must log in first")
	cli.AssertContains(t, stderr, "error: invalid username or password")
	cli.AssertContains(t, stderr, "commands failed: 3")
}

func Test_Shell_Restricts_Admin_Commands_When_User_Role(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("in.csv", "key,value\nz,1\n")

	stdout, stderr, code := c.Shell(
		"login user user123",
		"create a 1",
		"delete a",
		"import_csv in.csv",
		"export",
		"logout",
		"login admin admin123",
		"delete a",
	)

	if got, want := code, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stdout, "logged in as user (user)")
	cli.AssertContains(t, stdout, "created a")
	cli.AssertContains(t, stdout, "logged out user")
	cli.AssertContains(t, stdout, "logged in as admin (admin)")
	cli.AssertContains(t, stdout, "deleted a")
	cli.AssertNotContains(t, stdout, "imported")
	cli.AssertContains(t, stderr, "operation requires admin privileges")
	cli.AssertContains(t, stderr, "commands failed: 3")
}

func Test_Shell_Rollback_Undoes_Changes_When_Transaction_Aborted(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("create", "keep", "1")

	stdout, stderr, code := c.Shell(
		"login admin admin123",
		"begin",
		"create a 1",
		"update keep 2",
		"delete keep",
		"info",
		"rollback",
		"list",
	)

	if code != 0 {
		t.Fatalf("exitCode=%d, stderr=%s", code, stderr)
	}

	cli.AssertContains(t, stdout, "transaction started")
	cli.AssertContains(t, stdout, "in_transaction=true")
	cli.AssertContains(t, stdout, "transaction rolled back")
	cli.AssertContains(t, stdout, "keep\t1\n")
	cli.AssertNotContains(t, stdout, "a\t1")

	if got, want := c.MustRun("list"), "keep\t1"; got != want {
		t.Fatalf("list=%q, want %q", got, want)
	}
}

func Test_Shell_Commit_Persists_Changes_When_Transaction_Committed(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	_, stderr, code := c.Shell(
		"login user user123",
		"begin",
		"create a 1",
		"create b '{\"city\": \"Oslo Town\"}'",
		"commit",
		"exit",
		"create never 1",
	)

	if code != 0 {
		t.Fatalf("exitCode=%d, stderr=%s", code, stderr)
	}

	if got, want := c.MustRun("list"), "a\t1\nb\t{\"city\":\"Oslo Town\"}"; got != want {
		t.Fatalf("list=%q, want %q", got, want)
	}
}

func Test_Shell_Discards_Transaction_When_Exiting_Uncommitted(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	_, stderr, code := c.Shell(
		"login user user123",
		"begin",
		"create a 1",
	)

	if code != 0 {
		t.Fatalf("exitCode=%d, stderr=%s", code, stderr)
	}

	cli.AssertContains(t, stderr, "warning: uncommitted transaction discarded")
	cli.AssertContains(t, c.MustFail("read", "a"), "key not found")
}

func Test_Shell_Reports_Transaction_Errors(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	_, stderr, _ := c.Shell(
		"login user user123",
		"commit",
		"rollback",
		"begin",
		"begin",
		"rollback",
	)

	cli.AssertContains(t, stderr, "no active transaction")
	cli.AssertContains(t, stderr, "transaction already in progress")
	cli.AssertContains(t, stderr, "commands failed: 3")
}

func Test_Shell_Handles_Quoted_Arguments_In_Queries(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, stderr, code := c.Shell(
		"login user user123",
		`create p '{"city": "Oslo Town", "n": 3}'`,
		`create q '{"city": "Oslo", "n": 1}'`,
		`find city = "Oslo Town"`,
		`join p q city`,
		"inspect_index oslo",
	)

	if code != 0 {
		t.Fatalf("exitCode=%d, stderr=%s", code, stderr)
	}

	cli.AssertContains(t, stdout, "p\nno match\n")
	cli.AssertContains(t, stdout, "oslo\tp q")
}

func Test_Shell_Reports_Parse_Errors_And_Unknown_Commands(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	_, stderr, code := c.Shell(
		"# comments and blank lines are skipped",
		"",
		"login user user123",
		`create a "unterminated`,
		"frobnicate",
		"read",
		"fetch a notes.txt",
	)

	if got, want := code, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stderr, "unterminated quote")
	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "usage: read <key>")
	cli.AssertContains(t, stderr, "fetch in the shell needs a destination file")
	cli.AssertContains(t, stderr, "commands failed: 4")
}

func Test_Shell_Help_Lists_Commands(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("shell")
	if stdout != "" {
		t.Fatalf("empty script should print nothing, got %q", stdout)
	}

	stdout, _, code := c.Shell("help")
	if code != 0 {
		t.Fatalf("exitCode=%d", code)
	}

	cli.AssertContains(t, stdout, "login <user> <password>")
	cli.AssertContains(t, stdout, "delete <key>")
	cli.AssertContains(t, stdout, "(admin)")
	cli.AssertContains(t, stdout, "fetch <key> <name> [dest|-]")
}

func Test_Shell_Imports_And_Exports_When_Admin(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("in.csv", "key,value\nx,1\ny,two words\n")

	stdout, stderr, code := c.Shell(
		"login admin admin123",
		"import in.csv",
		"export_csv out.csv",
	)

	if code != 0 {
		t.Fatalf("exitCode=%d, stderr=%s", code, stderr)
	}

	cli.AssertContains(t, stdout, "imported 2 records, 0 failed")
	cli.AssertContains(t, stdout, "exported 2 records to out.csv")

	if got, want := c.ReadFile("out.csv"), "key,value\nx,1\ny,two words\n"; got != want {
		t.Fatalf("out.csv=%q, want %q", got, want)
	}
}

package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/docstore/internal/cli"
)

func Test_Invalid_Global_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run("--invalid-flag", "list")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "unknown flag")
	cli.AssertContains(t, stderr, "--invalid-flag")

	// Should show valid global options
	cli.AssertContains(t, stderr, "Global flags:")
	cli.AssertContains(t, stderr, "--cwd")
	cli.AssertContains(t, stderr, "--config")
	cli.AssertContains(t, stderr, "--data")
	cli.AssertContains(t, stderr, "--compress")
}

func Test_Bare_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	// Call Run directly without test helper (which adds --cwd)
	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"docstore"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stdout.String(), "docstore - embedded document store")
	cli.AssertContains(t, stdout.String(), "--cwd")
	cli.AssertContains(t, stdout.String(), "create <key> <value...>")
	cli.AssertContains(t, stdout.String(), "shell")
}

func Test_Unknown_Command_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("frobnicate")

	cli.AssertContains(t, stderr, "unknown command: frobnicate")
	cli.AssertContains(t, stderr, "Commands:")
}

func Test_Command_Help_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("find", "--help")

	cli.AssertContains(t, stdout, "Usage: docstore find <query...>")
	cli.AssertContains(t, stdout, "fulltext <words...>")

	if _, err := os.Stat(c.DataFile()); !os.IsNotExist(err) {
		t.Errorf("help should not create the data file, stat err=%v", err)
	}
}

func Test_Command_Fails_With_Help_When_Flag_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("read", "--bogus", "k")
	cli.AssertContains(t, stderr, "unknown flag: --bogus")
	cli.AssertContains(t, stderr, "Usage: docstore read <key>")
	cli.AssertContains(t, stderr, "Print a record's value")

	if _, err := os.Stat(c.DataFile()); !os.IsNotExist(err) {
		t.Errorf("rejected command should not create the data file, stat err=%v", err)
	}
}

func Test_Command_Fails_When_Argument_Count_Wrong(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stderr := c.MustFail("read")
	cli.AssertContains(t, stderr, "wrong number of arguments")
	cli.AssertContains(t, stderr, "usage: read <key>")

	stderr = c.MustFail("join", "a")
	cli.AssertContains(t, stderr, "usage: join <key1> <key2> [field]")
}

func Test_Print_Config_Shows_Defaults_When_No_Config_Files(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "data_file="+c.DataFile())
	cli.AssertContains(t, stdout, "codec=json")
	cli.AssertContains(t, stdout, "users=admin(admin),user(user)")
	cli.AssertContains(t, stdout, "(defaults only)")
	cli.AssertNotContains(t, stdout, "admin123")
}

func Test_Print_Config_Shows_Project_File_When_Present(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile(".docstore.json", `{
		// store next to the project
		"data_file": "data/db.json",
		"codec": "msgpack",
	}`)

	stdout := c.MustRun("--compress", "print-config")

	cli.AssertContains(t, stdout, "data_file="+filepath.Join(c.Dir, "data", "db.json.gz"))
	cli.AssertContains(t, stdout, "codec=msgpack")
	cli.AssertContains(t, stdout, "compress=true")
	cli.AssertContains(t, stdout, "project_config="+filepath.Join(c.Dir, ".docstore.json"))
}

func Test_Config_Error_When_Codec_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--codec", "xml", "list")

	cli.AssertContains(t, stderr, "unknown codec")
}

func Test_Verbose_Logs_Debug_When_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	_, stderr, code := c.Run("-v", "list")

	if code != 0 {
		t.Fatalf("exitCode=%d, stderr=%s", code, stderr)
	}

	cli.AssertContains(t, stderr, "level=DEBUG")
	cli.AssertContains(t, stderr, "command=list")
}

package provision

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codespace-userd/internal/command"
	"codespace-userd/types"
)

type call struct {
	name  string
	args  []string
	stdin string
}

func (c call) line() string {
	return strings.Join(append([]string{c.name}, c.args...), " ")
}

// fakeRunner records every invocation and answers via the respond function.
type fakeRunner struct {
	calls   []call
	respond func(c call) (command.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, stdin string, name string, args ...string) (command.Result, error) {
	c := call{name: name, args: args, stdin: stdin}
	f.calls = append(f.calls, c)
	if f.respond != nil {
		return f.respond(c)
	}
	return command.Result{}, nil
}

func (f *fakeRunner) lines() []string {
	lines := make([]string, len(f.calls))
	for i, c := range f.calls {
		lines[i] = c.line()
	}
	return lines
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *types.Config {
	return &types.Config{
		BaseDir:       "/home/codespace",
		Shell:         "/bin/bash",
		HostSuffix:    "codespace",
		StepTimeoutMs: 1000,
	}
}

// userAbsent answers the id(1) probe with "no such user" and everything
// else with success.
func userAbsent(c call) (command.Result, error) {
	if c.name == "id" {
		return command.Result{ExitCode: 1, Stderr: "id: no such user"}, nil
	}
	return command.Result{}, nil
}

func TestCreate_ValidationShortCircuits(t *testing.T) {
	cases := []struct {
		name     string
		username string
	}{
		{"empty", ""},
		{"too short", "a"},
		{"too long", strings.Repeat("a", 33)},
		{"bad characters", "alice!"},
		{"path traversal", "../etc"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{}
			svc := New(runner, testLogger(), testConfig())

			_, err := svc.Create(context.Background(), tc.username)

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Empty(t, runner.calls, "no external command may run for an invalid username")
		})
	}
}

func TestCreate_ConflictWhenAccountExists(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			return command.Result{ExitCode: 0}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	_, err := svc.Create(context.Background(), "alice")

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "alice", conflictErr.Username)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "id alice", runner.calls[0].line())
}

func TestCreate_PipelineOrder(t *testing.T) {
	publicKey := "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAACAQ alice@codespace"
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			switch c.name {
			case "id":
				return command.Result{ExitCode: 1}, nil
			case "cat":
				return command.Result{ExitCode: 0, Stdout: publicKey + "\n"}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	created, err := svc.Create(context.Background(), "alice")
	require.NoError(t, err)

	expected := []string{
		"id alice",
		"mkdir -p /home/codespace/alice/.ssh",
		"useradd --home-dir /home/codespace/alice --shell /bin/bash alice",
		"chpasswd",
		"ssh-keygen -t rsa -b 4096 -N  -C alice@codespace -f /home/codespace/alice/.ssh/id_rsa",
		"cp /home/codespace/alice/.ssh/id_rsa.pub /home/codespace/alice/.ssh/authorized_keys",
		"chown -R alice:alice /home/codespace/alice",
		"chmod 700 /home/codespace/alice",
		"chmod 700 /home/codespace/alice/.ssh",
		"chmod 600 /home/codespace/alice/.ssh/id_rsa",
		"chmod 600 /home/codespace/alice/.ssh/authorized_keys",
		"cat /home/codespace/alice/.ssh/id_rsa.pub",
	}
	assert.Equal(t, expected, runner.lines())

	assert.Equal(t, "alice", created.Username)
	assert.Equal(t, "/home/codespace/alice", created.HomeDirectory)
	assert.Equal(t, publicKey, created.SSHPublicKey)
	assert.Len(t, created.TempPassword, 16)
}

func TestCreate_PasswordPipedToChpasswd(t *testing.T) {
	runner := &fakeRunner{respond: userAbsent}
	svc := New(runner, testLogger(), testConfig())

	created, err := svc.Create(context.Background(), "alice")
	require.NoError(t, err)

	var chpasswdStdin string
	for _, c := range runner.calls {
		if c.name == "chpasswd" {
			chpasswdStdin = c.stdin
		}
	}
	assert.Equal(t, "alice:"+created.TempPassword+"\n", chpasswdStdin)
}

func TestCreate_CompensatesWhenUseraddFails(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			switch c.name {
			case "id":
				return command.Result{ExitCode: 1}, nil
			case "useradd":
				return command.Result{ExitCode: 9, Stderr: "useradd: UID range exhausted"}, nil
			case "test":
				return command.Result{ExitCode: 0}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	_, err := svc.Create(context.Background(), "alice")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "create account", cmdErr.Step)
	assert.Equal(t, 9, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "UID range exhausted")

	lines := strings.Join(runner.lines(), "\n")
	assert.NotContains(t, lines, "userdel", "no account was created, nothing to delete")
	assert.Contains(t, lines, "rm -rf /home/codespace/alice")
}

func TestCreate_CompensatesWhenKeygenFails(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			switch c.name {
			case "id":
				return command.Result{ExitCode: 1}, nil
			case "ssh-keygen":
				return command.Result{ExitCode: 1, Stderr: "ssh-keygen: write error"}, nil
			case "test":
				// userdel --remove already cascaded to the home directory
				return command.Result{ExitCode: 1}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	_, err := svc.Create(context.Background(), "alice")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "generate ssh keypair", cmdErr.Step)

	lines := strings.Join(runner.lines(), "\n")
	assert.Contains(t, lines, "userdel --remove alice")
	assert.NotContains(t, lines, "rm -rf", "home directory already removed by userdel cascade")
}

func TestCreate_CleanupFailureDoesNotMaskStepError(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			switch c.name {
			case "id":
				return command.Result{ExitCode: 1}, nil
			case "chpasswd":
				return command.Result{ExitCode: 1, Stderr: "chpasswd: pam failure"}, nil
			case "userdel":
				return command.Result{ExitCode: 1, Stderr: "userdel: user busy"}, nil
			case "test":
				return command.Result{ExitCode: 0}, nil
			case "rm":
				return command.Result{}, errors.New("rm unavailable")
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	_, err := svc.Create(context.Background(), "alice")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "set password", cmdErr.Step, "the original failure is surfaced, not the cleanup's")
}

func TestGetInfo_NotFound(t *testing.T) {
	runner := &fakeRunner{respond: userAbsent}
	svc := New(runner, testLogger(), testConfig())

	_, err := svc.GetInfo(context.Background(), "ghost")

	var notFoundErr *NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
	assert.Equal(t, "ghost", notFoundErr.Username)
}

func TestGetInfo_ActiveAccount(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			switch c.name {
			case "id":
				return command.Result{ExitCode: 0}, nil
			case "cat":
				return command.Result{ExitCode: 0, Stdout: "ssh-rsa AAAA alice@codespace\n"}, nil
			case "passwd":
				return command.Result{ExitCode: 0, Stdout: "alice P 07/01/2026 0 99999 7 -1\n"}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	info, err := svc.GetInfo(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, "/home/codespace/alice", info.HomeDirectory)
	assert.Equal(t, "ssh-rsa AAAA alice@codespace", info.SSHPublicKey)
	assert.True(t, info.IsActive)
}

func TestGetInfo_LockedAccount(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			switch c.name {
			case "id":
				return command.Result{ExitCode: 0}, nil
			case "cat":
				return command.Result{ExitCode: 0, Stdout: "ssh-rsa AAAA alice@codespace\n"}, nil
			case "passwd":
				return command.Result{ExitCode: 0, Stdout: "alice L 07/01/2026 0 99999 7 -1\n"}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	info, err := svc.GetInfo(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, info.IsActive)
}

func TestGetInfo_MissingPublicKeyIsNotAnError(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			switch c.name {
			case "id":
				return command.Result{ExitCode: 0}, nil
			case "cat":
				return command.Result{ExitCode: 1, Stderr: "cat: no such file"}, nil
			case "passwd":
				return command.Result{ExitCode: 0, Stdout: "alice P 07/01/2026 0 99999 7 -1\n"}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	info, err := svc.GetInfo(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, info.SSHPublicKey)
	assert.Empty(t, info.Fingerprint)
}

func TestGetInfo_UnparseableStatusOutput(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			switch c.name {
			case "id":
				return command.Result{ExitCode: 0}, nil
			case "cat":
				return command.Result{ExitCode: 1}, nil
			case "passwd":
				return command.Result{ExitCode: 0, Stdout: "garbage\n"}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	_, err := svc.GetInfo(context.Background(), "alice")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "query account status", cmdErr.Step)
}

func TestDelete_NotFound(t *testing.T) {
	runner := &fakeRunner{respond: userAbsent}
	svc := New(runner, testLogger(), testConfig())

	err := svc.Delete(context.Background(), "ghost")

	var notFoundErr *NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
}

func TestDelete_RemovesResidualHomeDirectory(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			if c.name == "test" {
				return command.Result{ExitCode: 0}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	err := svc.Delete(context.Background(), "alice")
	require.NoError(t, err)

	expected := []string{
		"id alice",
		"userdel --remove alice",
		"test -d /home/codespace/alice",
		"rm -rf /home/codespace/alice",
	}
	assert.Equal(t, expected, runner.lines())
}

func TestDelete_SkipsSafetyNetWhenCascadeWorked(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			if c.name == "test" {
				return command.Result{ExitCode: 1}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	err := svc.Delete(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotContains(t, strings.Join(runner.lines(), "\n"), "rm -rf")
}

func TestDelete_UserdelFailureIsTerminal(t *testing.T) {
	runner := &fakeRunner{
		respond: func(c call) (command.Result, error) {
			if c.name == "userdel" {
				return command.Result{ExitCode: 8, Stderr: "userdel: user alice is currently used by process 1234"}, nil
			}
			return command.Result{}, nil
		},
	}
	svc := New(runner, testLogger(), testConfig())

	err := svc.Delete(context.Background(), "alice")

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "remove account", cmdErr.Step)
	assert.Equal(t, 8, cmdErr.ExitCode)

	// Terminal failure: no cleanup-of-cleanup afterwards.
	last := runner.calls[len(runner.calls)-1]
	assert.Equal(t, "userdel", last.name)
}

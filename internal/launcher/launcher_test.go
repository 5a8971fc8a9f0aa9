package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/prochost/internal/control"
)

const helperEnv = "PROCHOST_LAUNCHER_HELPER"

// TestHelperProcess is the child body used by the exec tests.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	if code, ok := strings.CutPrefix(mode, "exit:"); ok {
		n, _ := strconv.Atoi(code)
		os.Exit(n)
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func helperCommand(mode string) *CommandLine {
	cmd := NewCommandLine(os.Args[0])
	cmd.AppendArg("-test.run=TestHelperProcess")
	cmd.SetEnv(helperEnv, mode)
	return cmd
}

type recordingClient struct {
	launched int
	failed   []error
	exited   int
}

func (c *recordingClient) OnProcessLaunched()              { c.launched++ }
func (c *recordingClient) OnProcessLaunchFailed(err error) { c.failed = append(c.failed, err) }
func (c *recordingClient) OnProcessExited()                { c.exited++ }

func pump(t *testing.T, loop *control.Loop, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		loop.RunUntilIdle()
		return cond()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLaunchReportsNormalExit(t *testing.T) {
	loop := control.NewLoop(nil)
	client := &recordingClient{}
	proc := NewExecLauncher(loop, nil).Launch(helperCommand("exit:0"), client)

	assert.True(t, proc.IsStarting())
	pump(t, loop, func() bool { return client.exited == 1 })

	assert.Equal(t, 1, client.launched)
	assert.Empty(t, client.failed)
	assert.False(t, proc.IsStarting())
	assert.Equal(t, NullHandle, proc.Handle())

	status, code := proc.TerminationStatus(false)
	assert.Equal(t, StatusNormal, status)
	assert.Equal(t, ResultCodeNormalExit, code)
}

func TestNonZeroExitIsCrash(t *testing.T) {
	loop := control.NewLoop(nil)
	client := &recordingClient{}
	proc := NewExecLauncher(loop, nil).Launch(helperCommand("exit:7"), client)

	pump(t, loop, func() bool { return client.exited == 1 })

	status, code := proc.TerminationStatus(true)
	assert.Equal(t, StatusCrashed, status)
	assert.Equal(t, 7, code)
}

func TestTerminateReportsRequestedCode(t *testing.T) {
	loop := control.NewLoop(nil)
	client := &recordingClient{}
	proc := NewExecLauncher(loop, nil).Launch(helperCommand("sleep"), client)

	pump(t, loop, func() bool { return client.launched == 1 })
	assert.True(t, proc.Handle().Valid())

	status, _ := proc.TerminationStatus(false)
	assert.Equal(t, StatusStillRunning, status)

	proc.SetBackgrounded(true)
	require.True(t, proc.Terminate(ResultCodeKilledBadMessage))
	pump(t, loop, func() bool { return client.exited == 1 })

	status, code := proc.TerminationStatus(true)
	assert.Equal(t, StatusKilled, status)
	assert.Equal(t, ResultCodeKilledBadMessage, code)
	assert.False(t, proc.Terminate(ResultCodeKilled))
}

func TestSpawnFailureIsReportedOnce(t *testing.T) {
	loop := control.NewLoop(nil)
	client := &recordingClient{}
	cmd := NewCommandLine(filepath.Join(t.TempDir(), "missing-child"))
	proc := NewExecLauncher(loop, nil).Launch(cmd, client)

	pump(t, loop, func() bool { return len(client.failed) == 1 })

	assert.Zero(t, client.launched)
	assert.Zero(t, client.exited)
	assert.True(t, errors.Is(client.failed[0], ErrSpawnFailed))
	assert.False(t, proc.IsStarting())
	assert.Equal(t, NullHandle, proc.Handle())

	status, code := proc.TerminationStatus(false)
	assert.Equal(t, StatusCrashed, status)
	assert.Equal(t, ResultCodeLaunchFailed, code)
}

func TestReleaseSuppressesCallbacks(t *testing.T) {
	loop := control.NewLoop(nil)
	client := &recordingClient{}
	proc := NewExecLauncher(loop, nil).Launch(helperCommand("sleep"), client)
	proc.Release()

	select {
	case <-proc.(*execProcess).done:
	case <-time.After(5 * time.Second):
		t.Fatal("released child was not reaped")
	}

	loop.RunUntilIdle()
	assert.Zero(t, client.launched)
	assert.Zero(t, client.exited)
	assert.Empty(t, client.failed)
}

func TestInProcessLauncher(t *testing.T) {
	t.Run("terminate", func(t *testing.T) {
		loop := control.NewLoop(nil)
		client := &recordingClient{}
		l := NewInProcessLauncher(loop, func(ctx context.Context, _ *CommandLine) error {
			<-ctx.Done()
			return ctx.Err()
		}, nil)

		proc := l.Launch(NewCommandLine("in-process"), client)
		pump(t, loop, func() bool { return client.launched == 1 })
		assert.Equal(t, Handle(os.Getpid()), proc.Handle())

		status, _ := proc.TerminationStatus(false)
		assert.Equal(t, StatusStillRunning, status)

		proc.Terminate(ResultCodeKilledBadMessage)
		pump(t, loop, func() bool { return client.exited == 1 })

		status, code := proc.TerminationStatus(false)
		assert.Equal(t, StatusKilled, status)
		assert.Equal(t, ResultCodeKilledBadMessage, code)
	})

	tests := []struct {
		name   string
		err    error
		status TerminationStatus
	}{
		{name: "clean return", status: StatusNormal},
		{name: "error return", err: errors.New("boom"), status: StatusCrashed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop := control.NewLoop(nil)
			client := &recordingClient{}
			l := NewInProcessLauncher(loop, func(context.Context, *CommandLine) error {
				return tt.err
			}, nil)

			proc := l.Launch(NewCommandLine("in-process"), client)
			pump(t, loop, func() bool { return client.exited == 1 })

			status, _ := proc.TerminationStatus(true)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestCommandLine(t *testing.T) {
	cmd := NewCommandLine("/opt/child")
	cmd.SetPrefix("gdb --args")
	cmd.AppendSwitch(SwitchProcessType, ProcessTypeRenderer)
	cmd.AppendSwitch("no-sandbox", "")
	cmd.AppendSwitch(SwitchHostID, "4")

	assert.Equal(t, []string{
		"gdb", "--args", "/opt/child",
		"--type=renderer", "--no-sandbox", "--host-id=4",
	}, cmd.Argv())

	v, ok := cmd.SwitchValue(SwitchHostID)
	assert.True(t, ok)
	assert.Equal(t, "4", v)

	_, ok = cmd.SwitchValue("no-sandbox")
	assert.True(t, ok)

	_, ok = cmd.SwitchValue(SwitchChannelID)
	assert.False(t, ok)
}

func TestResolveChildPath(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	path, err := ResolveChildPath("")
	require.NoError(t, err)
	assert.Equal(t, self, path)

	_, err = ResolveChildPath(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrChildNotFound)

	_, err = ResolveChildPath(t.TempDir())
	assert.ErrorIs(t, err, ErrChildNotFound)

	_, err = ResolveChildPath("prochost-child-that-does-not-exist")
	assert.ErrorIs(t, err, ErrChildNotFound)
}

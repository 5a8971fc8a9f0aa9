package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Switches understood by child processes.
const (
	SwitchProcessType = "type"
	SwitchChannelID   = "process-channel-id"
	SwitchHostID      = "host-id"

	ProcessTypeRenderer = "renderer"

	// EnvChannelNonce carries the handshake nonce. It is kept off argv so it
	// does not show up in process listings.
	EnvChannelNonce = "PROCHOST_CHANNEL_NONCE"
)

// CommandLine is a program, its switches and an optional wrapper prefix.
type CommandLine struct {
	Program string
	Prefix  []string
	Args    []string
	Env     []string
}

// NewCommandLine returns a command line for program.
func NewCommandLine(program string) *CommandLine {
	return &CommandLine{Program: program}
}

// SetPrefix wraps the program, e.g. "gdb --args" or "valgrind".
func (c *CommandLine) SetPrefix(prefix string) {
	c.Prefix = strings.Fields(prefix)
}

// AppendSwitch adds --name or --name=value.
func (c *CommandLine) AppendSwitch(name, value string) {
	if value == "" {
		c.Args = append(c.Args, "--"+name)
		return
	}
	c.Args = append(c.Args, fmt.Sprintf("--%s=%s", name, value))
}

// AppendArg adds a raw argument.
func (c *CommandLine) AppendArg(arg string) {
	c.Args = append(c.Args, arg)
}

// SetEnv adds KEY=value to the child environment.
func (c *CommandLine) SetEnv(key, value string) {
	c.Env = append(c.Env, key+"="+value)
}

// SwitchValue returns the value of --name, if present.
func (c *CommandLine) SwitchValue(name string) (string, bool) {
	return LookupSwitch(c.Args, name)
}

// Argv returns the full argument vector including the prefix.
func (c *CommandLine) Argv() []string {
	argv := make([]string, 0, len(c.Prefix)+1+len(c.Args))
	argv = append(argv, c.Prefix...)
	argv = append(argv, c.Program)
	return append(argv, c.Args...)
}

func (c *CommandLine) String() string {
	return strings.Join(c.Argv(), " ")
}

// LookupSwitch finds --name=value or a bare --name in args.
func LookupSwitch(args []string, name string) (string, bool) {
	flag := "--" + name
	for _, arg := range args {
		if arg == flag {
			return "", true
		}
		if v, ok := strings.CutPrefix(arg, flag+"="); ok {
			return v, true
		}
	}
	return "", false
}

// ResolveChildPath returns the executable that should host children. An empty
// configured path means the current executable.
func ResolveChildPath(configured string) (string, error) {
	path := configured
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrChildNotFound, err)
		}
		path = self
	} else if !strings.ContainsRune(path, filepath.Separator) {
		found, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrChildNotFound, err)
		}
		path = found
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChildNotFound, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrChildNotFound, path)
	}
	return path, nil
}

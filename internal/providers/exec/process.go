// ABOUTME: Runs external binaries with a minimal environment and masked logging.
// ABOUTME: Sensitive arguments are replaced before the command line is logged or returned in errors.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

const maskedArgument = "***"

// Arg is one command line argument, optionally hidden from logs
type Arg struct {
	Value     string
	Sensitive bool
}

func Plain(values ...string) []Arg {
	args := make([]Arg, 0, len(values))
	for _, v := range values {
		args = append(args, Arg{Value: v})
	}
	return args
}

func Secret(values ...string) []Arg {
	args := make([]Arg, 0, len(values))
	for _, v := range values {
		args = append(args, Arg{Value: v, Sensitive: true})
	}
	return args
}

// Masked renders the command line with sensitive arguments hidden
func Masked(binary string, args []Arg) string {
	parts := []string{binary}
	for _, arg := range args {
		if arg.Sensitive {
			parts = append(parts, maskedArgument)
			continue
		}
		parts = append(parts, arg.Value)
	}
	return strings.Join(parts, " ")
}

// Runner executes a command and returns its standard output
type Runner interface {
	Run(ctx context.Context, binary string, args []Arg) ([]byte, error)
}

// ProcessRunner runs commands as child processes that only inherit PATH
type ProcessRunner struct {
	logger *logrus.Logger
}

func NewProcessRunner(logger *logrus.Logger) *ProcessRunner {
	return &ProcessRunner{logger: logger}
}

func (p *ProcessRunner) Run(ctx context.Context, binary string, args []Arg) ([]byte, error) {
	values := make([]string, 0, len(args))
	for _, arg := range args {
		values = append(values, arg.Value)
	}
	masked := Masked(binary, args)

	cmd := osexec.CommandContext(ctx, binary, values...)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.WithField("command", masked).Debug("Running child process")

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to run %q: %w: %s", masked, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

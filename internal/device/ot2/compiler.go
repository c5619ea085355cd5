package ot2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/JakeFAU/labnodes/internal/node"
)

// CompileRequest describes one YAML protocol to compile.
type CompileRequest struct {
	ProtocolPath string
	ResourcePath string
	OutDir       string
	Payload      node.Vars
}

// Compiler turns a YAML protocol document into a runnable script and returns
// the script's path.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (string, error)
}

// ExecCompiler runs the driver's own compiler as an external command. The
// command receives --protocol, --out, --payload and, when set, --resources,
// and must print the compiled script path as the last line of its output.
type ExecCompiler struct {
	Command []string
}

// NewExecCompiler parses a whitespace separated command line.
func NewExecCompiler(command string) (*ExecCompiler, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("compiler command is empty")
	}
	return &ExecCompiler{Command: fields}, nil
}

// Compile implements Compiler.
func (c *ExecCompiler) Compile(ctx context.Context, req CompileRequest) (string, error) {
	if len(c.Command) == 0 {
		return "", errors.New("compiler command is empty")
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal compiler payload: %w", err)
	}
	args := append([]string{}, c.Command[1:]...)
	args = append(args, "--protocol", req.ProtocolPath, "--out", req.OutDir, "--payload", string(payload))
	if req.ResourcePath != "" {
		args = append(args, "--resources", req.ResourcePath)
	}

	// #nosec G204 -- the command comes from operator configuration.
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("compile %s: %w: %s", req.ProtocolPath, err, strings.TrimSpace(stderr.String()))
	}
	script := lastLine(stdout.String())
	if script == "" {
		return "", fmt.Errorf("compile %s: compiler printed no script path", req.ProtocolPath)
	}
	return script, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

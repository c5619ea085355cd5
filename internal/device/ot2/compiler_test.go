package ot2

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/labnodes/internal/node"
)

func TestNewExecCompilerRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewExecCompiler("   ")
	assert.Error(t, err)
}

func TestExecCompilerReturnsLastLine(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	// $2 is the --protocol value.
	c := &ExecCompiler{Command: []string{"sh", "-c", `printf 'compiling\n%s.py\n' "$2"`, "compiler"}}
	script, err := c.Compile(context.Background(), CompileRequest{
		ProtocolPath: "/work/protocols/protocol-1.yaml",
		OutDir:       "/work/protocols",
		Payload:      node.Vars{"volume": 20},
	})
	require.NoError(t, err)
	assert.Equal(t, "/work/protocols/protocol-1.yaml.py", script)
}

func TestExecCompilerFailure(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	c := &ExecCompiler{Command: []string{"sh", "-c", `echo "bad labware" >&2; exit 3`, "compiler"}}
	_, err := c.Compile(context.Background(), CompileRequest{ProtocolPath: "p.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad labware")
}

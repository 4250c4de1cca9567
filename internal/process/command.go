package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"vellum/internal/config"
)

// Command runs an external program as the document transform. Stdout
// becomes the artifact; a non-zero exit is a processing failure with
// stderr captured as the reason.
type Command struct {
	command string
	args    []string
}

// NewCommand creates a processor from config. The literal {payload}
// in args is replaced with the job's payload reference at run time.
func NewCommand(pc config.ProcessorConfig) (*Command, error) {
	if pc.Command == "" {
		return nil, fmt.Errorf("processor command is required")
	}
	return &Command{command: pc.Command, args: pc.Args}, nil
}

func (p *Command) Name() string {
	return p.command
}

func (p *Command) Process(ctx context.Context, payloadRef string) ([]byte, error) {
	args := make([]string, len(p.args))
	replaced := false
	for i, arg := range p.args {
		if strings.Contains(arg, "{payload}") {
			replaced = true
		}
		args[i] = strings.ReplaceAll(arg, "{payload}", payloadRef)
	}
	if !replaced {
		args = append(args, payloadRef)
	}

	cmd := exec.CommandContext(ctx, p.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("%s failed: %s", p.command, detail)
	}
	return stdout.Bytes(), nil
}

package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExitError reports a toolchain run that exited with a non-zero code.
// Output holds the tail of the combined stdout/stderr diagnostics.
type ExitError struct {
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("toolchain exited with code %d: %s", e.ExitCode, e.Output)
}

// Compiler produces a stored artifact for a resolved module list.
type Compiler interface {
	Invoke(ctx context.Context, params *InvokeParams) (*InvokeResult, error)
}

type InvokeParams struct {
	Modules      []string
	ArtifactName string
}

type InvokeResult struct {
	ArtifactPath string
	SizeBytes    int64
}

var _ Compiler = (*Invoker)(nil)

// Invoker runs the wrapper bundler toolchain as a child process in the
// wrapper source checkout and moves the produced bundle into the artifact
// store.
type Invoker struct {
	Store Store // required

	Bin        string // toolchain binary, default "gulp"
	SourceDir  string // wrapper source checkout, default "."
	OutputFile string // toolchain's default output relative to SourceDir, default "build/dist/prebid.js"
}

const outputTail = 4 * 1024 // diagnostics kept from a failed run

func (v *Invoker) Invoke(ctx context.Context, params *InvokeParams) (*InvokeResult, error) {
	out := new(bytes.Buffer)

	cmd := exec.CommandContext(ctx, v.bin(), "build", "--modules="+strings.Join(params.Modules, ","))
	cmd.Dir = v.sourceDir()
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("bundle.Invoker: %w", ctxErr)
		}
		if exitErr := (*exec.ExitError)(nil); errors.As(err, &exitErr) {
			return nil, &ExitError{ExitCode: exitErr.ExitCode(), Output: tail(out.String())}
		}
		return nil, fmt.Errorf("bundle.Invoker: %w", err)
	}

	outputFile, err := os.Open(filepath.Join(v.sourceDir(), filepath.FromSlash(v.outputFile())))
	if err != nil {
		return nil, fmt.Errorf("bundle.Invoker: toolchain output: %w", err)
	}
	defer outputFile.Close()

	size, err := v.Store.Put(ctx, params.ArtifactName, outputFile)
	if err != nil {
		return nil, fmt.Errorf("bundle.Invoker: %w", err)
	}

	return &InvokeResult{ArtifactPath: params.ArtifactName, SizeBytes: size}, nil
}

func (v *Invoker) bin() string {
	b := v.Bin
	if b == "" {
		b = "gulp"
	}
	return b
}

func (v *Invoker) sourceDir() string {
	d := v.SourceDir
	if d == "" {
		d = "."
	}
	return d
}

func (v *Invoker) outputFile() string {
	f := v.OutputFile
	if f == "" {
		f = "build/dist/prebid.js"
	}
	return f
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTail {
		return s
	}
	return s[len(s)-outputTail:]
}

// Package crystal promotes proven execution traces into standalone tools.
// A crystallized tool is a Go source file defining RunTool(input string)
// (string, error), interpreted in a sandboxed Yaegi interpreter. The gate
// decides which traces qualify, verifies the generated tool against the
// recorded execution, and registers a passing tool for direct dispatch.
package crystal

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Sandbox interprets crystallized tool source at runtime. Interpretation
// avoids compile-and-link cycles and keeps tools dependency-free: only a
// whitelist of pure stdlib packages may be imported, so a tool cannot touch
// the filesystem, network, or spawn processes.
type Sandbox struct {
	allowedPackages map[string]bool
}

// NewSandbox creates a sandbox with the standard import whitelist.
func NewSandbox() *Sandbox {
	return &Sandbox{
		allowedPackages: map[string]bool{
			"strings":         true,
			"strconv":         true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"encoding/json":   true,
			"encoding/base64": true,
			"time":            true,
			"sort":            true,
			"bytes":           true,
			"errors":          true,
			"unicode":         true,

			// Blocked: os, os/exec, net, net/http, syscall, unsafe,
			// io/ioutil, path/filepath. Tools are pure transforms.
		},
	}
}

// Run loads the tool source into a fresh interpreter and invokes
// main.RunTool with the given input. Execution is bounded by ctx; a tool
// that outlives it is abandoned and the call fails.
func (s *Sandbox) Run(ctx context.Context, source, input string) (string, error) {
	if err := s.validateImports(source); err != nil {
		return "", fmt.Errorf("invalid imports: %w", err)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("loading stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapSource(source)); err != nil {
		return "", fmt.Errorf("evaluating tool source: %w", err)
	}

	fn, err := i.Eval("main.RunTool")
	if err != nil {
		return "", fmt.Errorf("RunTool not found: %w", err)
	}
	runTool, ok := fn.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("RunTool has wrong signature, want func(string) (string, error)")
	}

	resultCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := runTool(input)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case out := <-resultCh:
		return out, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("tool execution timed out: %w", ctx.Err())
	}
}

// Check verifies that source loads and defines a well-formed RunTool,
// without invoking it.
func (s *Sandbox) Check(source string) error {
	if err := s.validateImports(source); err != nil {
		return fmt.Errorf("invalid imports: %w", err)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("loading stdlib symbols: %w", err)
	}
	if _, err := i.Eval(wrapSource(source)); err != nil {
		return fmt.Errorf("evaluating tool source: %w", err)
	}
	fn, err := i.Eval("main.RunTool")
	if err != nil {
		return fmt.Errorf("RunTool not found: %w", err)
	}
	if _, ok := fn.Interface().(func(string) (string, error)); !ok {
		return fmt.Errorf("RunTool has wrong signature, want func(string) (string, error)")
	}
	return nil
}

// validateImports rejects source importing anything off the whitelist.
func (s *Sandbox) validateImports(source string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import (") {
			inBlock = true
			continue
		}
		if inBlock && strings.HasPrefix(trimmed, ")") {
			inBlock = false
			continue
		}
		if inBlock {
			if pkg := parseImportLine(trimmed); pkg != "" {
				imports = append(imports, pkg)
			}
		} else if strings.HasPrefix(trimmed, "import ") {
			if pkg := parseImportLine(strings.TrimPrefix(trimmed, "import ")); pkg != "" {
				imports = append(imports, pkg)
			}
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !s.allowedPackages[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %v", forbidden)
	}
	return nil
}

// parseImportLine extracts the quoted path from an import line, handling
// aliased imports.
func parseImportLine(line string) string {
	start := strings.Index(line, `"`)
	if start == -1 {
		return ""
	}
	end := strings.Index(line[start+1:], `"`)
	if end == -1 {
		return ""
	}
	return line[start+1 : start+1+end]
}

// wrapSource adds a package main clause when the source lacks one.
func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}

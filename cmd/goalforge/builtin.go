package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"goalforge/internal/tools"
)

const maxFetchBytes = 1 << 20 // 1 MiB cap on fetched bodies

// registerBuiltins installs the baseline toolset learners plan with.
// Paths are resolved under the workspace; absolute paths outside it are
// rejected.
func registerBuiltins(registry *tools.Registry, root string) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	builtins := []*tools.Tool{
		{
			Name:        "echo",
			Description: "Return the message argument unchanged",
			Category:    "util",
			InputSchema: map[string]string{"message": "string"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return args["message"], nil
			},
		},
		{
			Name:        "read_file",
			Description: "Read a text file from the workspace",
			Category:    "fs",
			InputSchema: map[string]string{"path": "string"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := workspaceFile(root, args, "path")
				if err != nil {
					return nil, err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, err
				}
				return string(data), nil
			},
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the workspace",
			Category:    "fs",
			InputSchema: map[string]string{"path": "string", "content": "string"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := workspaceFile(root, args, "path")
				if err != nil {
					return nil, err
				}
				content, _ := args["content"].(string)
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					return nil, err
				}
				if err := os.WriteFile(path, []byte(content), 0644); err != nil {
					return nil, err
				}
				return fmt.Sprintf("wrote %d bytes", len(content)), nil
			},
		},
		{
			Name:        "list_dir",
			Description: "List entries of a workspace directory",
			Category:    "fs",
			InputSchema: map[string]string{"path": "string"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path, err := workspaceFile(root, args, "path")
				if err != nil {
					return nil, err
				}
				entries, err := os.ReadDir(path)
				if err != nil {
					return nil, err
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				sort.Strings(names)
				return names, nil
			},
		},
		{
			Name:        "http_get",
			Description: "Fetch a URL and return the response body",
			Category:    "net",
			InputSchema: map[string]string{"url": "string"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				url, _ := args["url"].(string)
				if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
					return nil, fmt.Errorf("url must be http or https")
				}
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
				if err != nil {
					return nil, err
				}
				resp, err := httpClient.Do(req)
				if err != nil {
					return nil, err
				}
				defer resp.Body.Close()
				body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
				if err != nil {
					return nil, err
				}
				if resp.StatusCode >= 400 {
					return nil, fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
				}
				return string(body), nil
			},
		},
	}

	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// workspaceFile resolves a path argument inside the workspace root.
func workspaceFile(root string, args map[string]any, key string) (string, error) {
	raw, _ := args[key].(string)
	if raw == "" {
		return "", fmt.Errorf("missing %q argument", key)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := raw
	if !filepath.IsAbs(full) {
		full = filepath.Join(absRoot, full)
	}
	full = filepath.Clean(full)
	if full != absRoot && !strings.HasPrefix(full, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", raw)
	}
	return full, nil
}

package toolhost

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/martinemde/warden/dispatch"
	"github.com/martinemde/warden/policy"
)

const (
	defaultReadLines  = 2000
	defaultMaxResults = 100
)

type readFileArgs struct {
	Path   string `json:"path" jsonschema:"description=File path relative to the workspace root or absolute." validate:"required"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line number to start reading from." validate:"gte=0"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to read. Default 2000." validate:"gte=0"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=File path to write." validate:"required"`
	Content string `json:"content" jsonschema:"description=The full file content to write."`
}

type editFileArgs struct {
	Path       string `json:"path" jsonschema:"description=File path to edit." validate:"required"`
	OldString  string `json:"old_string" jsonschema:"description=Exact text to find in the file." validate:"required"`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text."`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match."`
}

type deleteFileArgs struct {
	Path string `json:"path" jsonschema:"description=File to delete." validate:"required"`
}

type listDirectoryArgs struct {
	Path  string `json:"path" jsonschema:"description=Directory to list. Use . for the workspace root." validate:"required"`
	Depth int    `json:"depth,omitempty" jsonschema:"description=How many levels to descend. Default 1." validate:"gte=0,lte=5"`
}

type grepArgs struct {
	Pattern         string `json:"pattern" jsonschema:"description=Regular expression to search for." validate:"required"`
	Path            string `json:"path" jsonschema:"description=File or directory to search." validate:"required"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=Only search files whose name matches this glob."`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of matching lines. Default 100." validate:"gte=0"`
}

type shellArgs struct {
	Command     string `json:"command" jsonschema:"description=The command to run." validate:"required"`
	TimeoutMs   int    `json:"timeout_ms,omitempty" jsonschema:"description=Override the default command timeout in milliseconds." validate:"gte=0"`
	Description string `json:"description,omitempty" jsonschema:"description=What this command does in a few words."`
}

type fetchURLArgs struct {
	URL string `json:"url" jsonschema:"description=The http or https URL to fetch." validate:"required,url"`
	Raw bool   `json:"raw,omitempty" jsonschema:"description=Return the body as is instead of extracting readable text from HTML."`
}

// registerBuiltins installs the local tools on h's registry.
func (h *Host) registerBuiltins() {
	r := h.registry
	r.Register(Typed(dispatch.Definition{
		Name:        "read_file",
		Description: "Read a text file. Returns line-numbered content.",
		Capability:  policy.CapFileRead,
		Category:    dispatch.CategoryFile,
		PathArgs:    []string{"path"},
	}, h.readFile))
	r.Register(Typed(dispatch.Definition{
		Name:        "write_file",
		Description: "Write content to a file, creating it and its parent directories if needed.",
		Capability:  policy.CapFileWrite,
		Category:    dispatch.CategoryFile,
		PathArgs:    []string{"path"},
		ContentArg:  "content",
	}, h.writeFile))
	r.Register(Typed(dispatch.Definition{
		Name:        "edit_file",
		Description: "Replace an exact string in a file. old_string must be unique unless replace_all is set.",
		Capability:  policy.CapFileWrite,
		Category:    dispatch.CategoryFile,
		PathArgs:    []string{"path"},
		ContentArg:  "new_string",
	}, h.editFile))
	r.Register(Typed(dispatch.Definition{
		Name:        "delete_file",
		Description: "Delete a file.",
		Capability:  policy.CapFileDelete,
		Category:    dispatch.CategoryFile,
		PathArgs:    []string{"path"},
	}, h.deleteFile))
	r.Register(Typed(dispatch.Definition{
		Name:        "list_directory",
		Description: "List the entries of a directory.",
		Capability:  policy.CapFileRead,
		Category:    dispatch.CategoryFile,
		PathArgs:    []string{"path"},
	}, h.listDirectory))
	r.Register(Typed(dispatch.Definition{
		Name:        "grep",
		Description: "Search file contents with a regular expression. Returns matching lines with paths and line numbers.",
		Capability:  policy.CapFileRead,
		Category:    dispatch.CategoryFile,
		PathArgs:    []string{"path"},
	}, h.grep))
	r.Register(Typed(dispatch.Definition{
		Name:        "shell",
		Description: "Run a shell command in the workspace. Returns stdout, stderr and the exit code.",
		Capability:  policy.CapShellExec,
		Category:    dispatch.CategoryExec,
		CommandArg:  "command",
	}, h.shell))
	r.Register(Typed(dispatch.Definition{
		Name:        "fetch_url",
		Description: "Fetch a web page and return its readable text.",
		Capability:  policy.CapNetworkFetch,
		Category:    dispatch.CategoryNetwork,
		URLArg:      "url",
	}, h.fetchURL))
}

func (h *Host) readFile(_ context.Context, args readFileArgs) (string, error) {
	path, err := h.resolve(args.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("read_file: %s is a directory", args.Path)
	}
	if h.maxReadBytes > 0 && info.Size() > h.maxReadBytes {
		return "", fmt.Errorf("read_file: %s is %d bytes, over the %d byte limit", args.Path, info.Size(), h.maxReadBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if args.Offset > 0 {
		start = args.Offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	limit := args.Limit
	if limit == 0 {
		limit = defaultReadLines
	}
	end := min(len(lines), start+limit)

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

func (h *Host) writeFile(_ context.Context, args writeFileArgs) (string, error) {
	path, err := h.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("write_file: create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
}

func (h *Host) editFile(_ context.Context, args editFileArgs) (string, error) {
	path, err := h.resolve(args.Path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}
	original := string(data)

	count := strings.Count(original, args.OldString)
	if count == 0 {
		return "", fmt.Errorf("old_string not found in %s", args.Path)
	}
	if count > 1 && !args.ReplaceAll {
		return "", fmt.Errorf("old_string found %d times in %s. Provide more context to make it unique, or set replace_all", count, args.Path)
	}

	updated := strings.Replace(original, args.OldString, args.NewString, 1)
	replacements := 1
	if args.ReplaceAll {
		updated = strings.ReplaceAll(original, args.OldString, args.NewString)
		replacements = count
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}

	return fmt.Sprintf("Replaced %d occurrence(s) in %s\n\n%s", replacements, args.Path, patchText(original, updated)), nil
}

// patchText renders the change as a compact patch for the model to check.
func patchText(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
	return dmp.PatchToText(dmp.PatchMake(before, diffs))
}

func (h *Host) deleteFile(_ context.Context, args deleteFileArgs) (string, error) {
	path, err := h.resolve(args.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("delete_file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("delete_file: %s is a directory", args.Path)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("delete_file: %w", err)
	}
	return "Deleted " + args.Path, nil
}

func (h *Host) listDirectory(_ context.Context, args listDirectoryArgs) (string, error) {
	root, err := h.resolve(args.Path)
	if err != nil {
		return "", err
	}
	depth := args.Depth
	if depth == 0 {
		depth = 1
	}

	var lines []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		level := strings.Count(rel, string(filepath.Separator)) + 1
		if d.IsDir() {
			lines = append(lines, rel+"/")
			if level >= depth {
				return filepath.SkipDir
			}
			return nil
		}
		size := int64(0)
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}
		lines = append(lines, fmt.Sprintf("%s (%d bytes)", rel, size))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("list_directory: %w", err)
	}
	if len(lines) == 0 {
		return "Directory is empty.", nil
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

var errEnoughMatches = errors.New("enough matches")

func (h *Host) grep(ctx context.Context, args grepArgs) (string, error) {
	root, err := h.resolve(args.Path)
	if err != nil {
		return "", err
	}
	expr := args.Pattern
	if args.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("grep: invalid pattern: %w", err)
	}
	limit := args.MaxResults
	if limit == 0 {
		limit = defaultMaxResults
	}

	var matches []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if args.Glob != "" {
			if ok, _ := filepath.Match(args.Glob, d.Name()); !ok {
				return nil
			}
		}
		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return nil
		}
		rel, _ := filepath.Rel(h.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, line))
				if len(matches) >= limit {
					return errEnoughMatches
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughMatches) {
		return "", fmt.Errorf("grep: %w", err)
	}
	if len(matches) == 0 {
		return "No matches found.", nil
	}
	return strings.Join(matches, "\n"), nil
}

func isBinary(data []byte) bool {
	n := min(len(data), 8000)
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

func (h *Host) shell(ctx context.Context, args shellArgs) (string, error) {
	timeout := h.shellTimeout
	if args.TimeoutMs > 0 {
		timeout = time.Duration(args.TimeoutMs) * time.Millisecond
	}
	timeout = min(timeout, h.shellMaxTimeout)

	result, err := runCommand(ctx, args.Command, timeout, h.root, h.killOnTimeout)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(result.output)
	switch {
	case result.timedOut && result.killed:
		fmt.Fprintf(&sb, "\n\n[timed out after %s and was killed; output above is partial. Pass a larger timeout_ms to allow more time.]",
			result.elapsed.Round(time.Millisecond))
		return sb.String(), errCommandFailed
	case result.timedOut:
		h.logger.Warn("shell command left running after timeout", "pid", result.pid, "timeout", timeout)
		fmt.Fprintf(&sb, "\n\n[timed out after %s; the command is still running (pid %d) and output above is partial. Pass a larger timeout_ms to allow more time.]",
			result.elapsed.Round(time.Millisecond), result.pid)
		return sb.String(), errCommandFailed
	case result.exitCode != 0:
		fmt.Fprintf(&sb, "\n\n[exit status %d]", result.exitCode)
		return sb.String(), errCommandFailed
	}
	return sb.String(), nil
}

// errCommandFailed marks shell output that should reach the model as an
// error result without replacing the output itself.
var errCommandFailed = errors.New("command failed")

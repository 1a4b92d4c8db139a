package agentloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

const basePrompt = `You are a coding agent working in the user's workspace on their machine.
Use the tools you are offered to inspect and change files and run commands.
Every action is checked against the session's policy. A tool result that
starts with "Permission denied" means the action is not allowed as issued:
do not repeat it, choose an allowed alternative or explain what you need.
Some actions wait for a human to approve them. When the task is done, reply
with a short summary and no tool calls.`

// promptContext is what the system prompt is built from.
type promptContext struct {
	Root         string
	Model        string
	Now          time.Time
	Instructions string
}

// buildSystemPrompt assembles the base prompt, the environment block, git
// context, project instruction files and operator instructions, in that
// order.
func buildSystemPrompt(ctx context.Context, pc promptContext) string {
	parts := []string{basePrompt, environmentBlock(ctx, pc)}
	if git := gitContext(ctx, pc.Root); git != "" {
		parts = append(parts, git)
	}
	if docs := discoverProjectDocs(ctx, pc.Root); docs != "" {
		parts = append(parts, docs)
	}
	if pc.Instructions != "" {
		parts = append(parts, pc.Instructions)
	}
	return strings.Join(parts, "\n\n")
}

func environmentBlock(ctx context.Context, pc promptContext) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", pc.Root)
	fmt.Fprintf(&sb, "Is git repository: %v\n", gitRoot(ctx, pc.Root) != "")
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", pc.Now.Format("2006-01-02"))
	if pc.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", pc.Model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// discoverProjectDocs loads AGENTS.md files from the git root (or root)
// down to root, capped at maxProjectDocBytes in total.
func discoverProjectDocs(ctx context.Context, root string) string {
	top := gitRoot(ctx, root)
	if top == "" {
		top = root
	}

	var docs []string
	total := 0
	for _, dir := range pathHierarchy(top, root) {
		content, err := os.ReadFile(filepath.Join(dir, "AGENTS.md"))
		if err != nil {
			continue
		}
		remaining := maxProjectDocBytes - total
		if remaining <= 0 {
			docs = append(docs, "[Project instructions truncated at 32KB]")
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("# AGENTS.md (from %s)\n\n%s", dir, text))
		total += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}

func gitContext(ctx context.Context, dir string) string {
	root := gitRoot(ctx, dir)
	if root == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch := strings.TrimSpace(git(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status := strings.TrimSpace(git(ctx, root, "status", "--short")); status != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(strings.Split(status, "\n")))
	}
	if log := git(ctx, root, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// pathHierarchy returns the directories from top down to target, inclusive.
func pathHierarchy(top, target string) []string {
	top = filepath.Clean(top)
	target = filepath.Clean(target)
	dirs := []string{top}
	rel, err := filepath.Rel(top, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := top
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(ctx context.Context, dir string) string {
	return strings.TrimSpace(git(ctx, dir, "rev-parse", "--show-toplevel"))
}

func git(ctx context.Context, dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// Package agent — system prompt construction.
//
// BuildSystemPrompt assembles the full system prompt from its parts:
//   - An optional custom base prompt (replaces the default preamble)
//   - The live tool list with descriptions
//   - Project context files (AGENTS.md)
//   - Current date/time and working directory
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/session"
)

// SystemPromptOptions controls how the system prompt is assembled.
type SystemPromptOptions struct {
	// CustomPrompt replaces the default preamble when non-empty.
	CustomPrompt string

	// AppendPrompt is appended after the preamble, before project context.
	AppendPrompt string

	// Tools are the definitions currently registered; they drive the tool
	// list shown to the model.
	Tools []ai.ToolDefinition

	// Cwd is the working directory reported to the model. Defaults to
	// os.Getwd().
	Cwd string

	// ContextFiles are pre-loaded project context files. Nil means discover
	// them from the config directory and Cwd.
	ContextFiles []ContextFile
}

// ContextFile holds the content of one project context file.
type ContextFile struct {
	Path    string
	Content string
}

// BuildSystemPrompt constructs the system prompt from the given options.
func BuildSystemPrompt(opts SystemPromptOptions) string {
	cwd := opts.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	now := time.Now()
	dateTime := fmt.Sprintf("%s, %s %d, %d at %s %s",
		now.Format("Monday"),
		now.Format("January"),
		now.Day(),
		now.Year(),
		now.Format("3:04:05 PM"),
		now.Format("MST"),
	)

	contextFiles := opts.ContextFiles
	if contextFiles == nil {
		contextFiles = LoadContextFiles(cwd)
	}

	var sb strings.Builder

	if opts.CustomPrompt != "" {
		sb.WriteString(opts.CustomPrompt)
	} else {
		sb.WriteString("You are an expert coding assistant. You help users by reading files, executing commands, editing code, and writing new files.\n")
		sb.WriteString("\nAvailable tools:\n")
		sb.WriteString(buildToolsList(opts.Tools))
		sb.WriteString("\nGuidelines:\n")
		sb.WriteString(buildGuidelines(opts.Tools))
	}

	if opts.AppendPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(opts.AppendPrompt)
	}
	writeContextFiles(&sb, contextFiles)
	fmt.Fprintf(&sb, "\nCurrent date and time: %s", dateTime)
	fmt.Fprintf(&sb, "\nCurrent working directory: %s", cwd)

	return sb.String()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func buildToolsList(defs []ai.ToolDefinition) string {
	if len(defs) == 0 {
		return "- (none)\n"
	}
	var sb strings.Builder
	for _, d := range defs {
		desc := firstLineOf(d.Description)
		if desc == "" {
			fmt.Fprintf(&sb, "- %s\n", d.Name)
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, desc)
	}
	return sb.String()
}

func buildGuidelines(defs []ai.ToolDefinition) string {
	has := func(name string) bool {
		for _, d := range defs {
			if d.Name == name {
				return true
			}
		}
		return false
	}

	var lines []string
	if has("read") && has("edit") {
		lines = append(lines, "Use read to examine files before editing. You must use this tool instead of cat or sed.")
	}
	if has("edit") {
		lines = append(lines, "Use edit for precise changes (old text must match exactly)")
	}
	if has("write") {
		lines = append(lines, "Use write only for new files or complete rewrites")
	}
	if has("edit") || has("write") {
		lines = append(lines, "When summarizing your actions, output plain text directly - do NOT use cat or bash to display what you did")
	}
	lines = append(lines, "Be concise in your responses")
	lines = append(lines, "Show file paths clearly when working with files")

	var sb strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&sb, "- %s\n", l)
	}
	return sb.String()
}

func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func writeContextFiles(sb *strings.Builder, files []ContextFile) {
	if len(files) == 0 {
		return
	}
	sb.WriteString("\n\n# Project Context\n\nProject-specific instructions and guidelines:\n\n")
	for _, f := range files {
		fmt.Fprintf(sb, "## %s\n\n%s\n\n", f.Path, f.Content)
	}
}

// ---------------------------------------------------------------------------
// Context file discovery
// ---------------------------------------------------------------------------

const contextFileName = "AGENTS.md"

// LoadContextFiles reads AGENTS.md from the global config directory and the
// working directory, at most one file per directory.
func LoadContextFiles(cwd string) []ContextFile {
	dirs := []string{session.DefaultConfigDir(), cwd}
	var files []ContextFile
	seen := map[string]bool{}

	for _, dir := range dirs {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		p := filepath.Join(dir, contextFileName)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		files = append(files, ContextFile{Path: p, Content: string(data)})
	}
	return files
}

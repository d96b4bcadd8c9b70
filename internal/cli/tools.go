package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mirelabs/coda/pkg/tools"
)

// probe describes one external tool: the binary that must exist on PATH
// and the actions the model may invoke.
type probe struct {
	binary string
	tool   tools.Tool
}

func toolProbes() []probe {
	return []probe{
		{
			binary: "git",
			tool: tools.Tool{
				ID:          "a-c-git",
				Name:        "git",
				Description: "Version control operations in the working directory.",
				Actions: []tools.Action{
					{Name: "status", Description: "Show the working tree status."},
					{Name: "diff", Description: "Show unstaged changes."},
					{Name: "log", Description: "Show recent commits."},
					{
						Name:        "commit",
						Description: "Stage all changes and commit them.",
						Params: []tools.Param{
							{Name: "message", Type: "string", Description: "Commit message", Required: true},
						},
					},
				},
			},
		},
		{
			binary: "svn",
			tool: tools.Tool{
				ID:          "a-c-svn",
				Name:        "svn",
				Description: "Subversion operations in the working directory.",
				Actions: []tools.Action{
					{Name: "status", Description: "Show the working copy status."},
				},
			},
		},
		{
			binary: "sh",
			tool: tools.Tool{
				ID:          "a-c-shell",
				Name:        "shell",
				Description: "Run a shell command in the working directory.",
				Actions: []tools.Action{
					{
						Name:        "run",
						Description: "Run a command with sh -c and return its output.",
						Params: []tools.Param{
							{Name: "cmd", Type: "string", Description: "Command line to run", Required: true},
						},
					},
				},
			},
		},
		{
			binary: "docker",
			tool: tools.Tool{
				ID:          "a-c-docker",
				Name:        "docker",
				Description: "Inspect local containers and images.",
				Actions: []tools.Action{
					{Name: "ps", Description: "List running containers."},
					{Name: "images", Description: "List local images."},
				},
			},
		},
	}
}

// fileTool is always installed; it runs in-process.
func fileTool() tools.Tool {
	return tools.Tool{
		ID:          "a-c-file",
		Name:        "file",
		Description: "Read and write files under the working directory.",
		Installed:   true,
		Actions: []tools.Action{
			{
				Name:        "read",
				Description: "Read a file and return its contents.",
				Params: []tools.Param{
					{Name: "path", Type: "string", Description: "File path", Required: true},
				},
			},
			{
				Name:        "write",
				Description: "Write content to a file, creating it if missing.",
				Params: []tools.Param{
					{Name: "path", Type: "string", Description: "File path", Required: true},
					{Name: "content", Type: "string", Description: "Full file content", Required: true},
				},
			},
			{
				Name:        "list",
				Description: "List a directory.",
				Params: []tools.Param{
					{Name: "path", Type: "string", Description: "Directory path", Required: false},
				},
			},
		},
	}
}

// askUserTool is always installed; it prompts on the terminal in-process.
func askUserTool() tools.Tool {
	return tools.Tool{
		ID:          "a-c-ask-user",
		Name:        "ask-user",
		Description: "Ask the user a question and wait for their answer.",
		Installed:   true,
		Actions: []tools.Action{
			{
				Name:        "ask",
				Description: "Put a question to the user and return their reply.",
				Params: []tools.Param{
					{Name: "question", Type: "string", Description: "Question to ask", Required: true},
				},
			},
		},
	}
}

// discoverTools probes PATH and returns the local tool inventory. Missing
// binaries stay in the list as uninstalled so the model can be told why a
// tool is unavailable.
func discoverTools() []tools.Tool {
	var out []tools.Tool
	for _, p := range toolProbes() {
		tool := p.tool
		if _, err := exec.LookPath(p.binary); err == nil {
			tool.Installed = true
		}
		out = append(out, tool)
	}
	out = append(out, fileTool(), askUserTool())
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// localExecutor runs resolved tool actions on this machine.
type localExecutor struct{}

func (localExecutor) ExecuteAction(ctx context.Context, tool tools.Tool, action string, args map[string]interface{}, opts tools.ExecOptions) tools.Result {
	switch tool.ID {
	case "a-c-file":
		return execFile(action, args, opts)
	case "a-c-ask-user":
		question, _ := args["question"].(string)
		return askUser(question)
	case "a-c-shell":
		cmd, _ := args["cmd"].(string)
		return runCommand(ctx, opts.CWD, "sh", "-c", cmd)
	case "a-c-git":
		return execGit(ctx, action, args, opts)
	case "a-c-svn":
		return runCommand(ctx, opts.CWD, "svn", action)
	case "a-c-docker":
		return runCommand(ctx, opts.CWD, "docker", action)
	default:
		return tools.Result{Error: fmt.Sprintf("no executor for tool %s", tool.ID)}
	}
}

// askUser prints the question on stderr so it is never mistaken for model
// output, then blocks on one line from stdin.
func askUser(question string) tools.Result {
	if question == "" {
		return tools.Result{Error: "question is required"}
	}
	fmt.Fprintf(os.Stderr, "\n%s\n> ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return tools.Result{Error: fmt.Sprintf("failed to read answer: %v", err)}
	}
	return tools.Result{Success: true, Output: strings.TrimSpace(line)}
}

func execGit(ctx context.Context, action string, args map[string]interface{}, opts tools.ExecOptions) tools.Result {
	switch action {
	case "status":
		return runCommand(ctx, opts.CWD, "git", "status", "--short", "--branch")
	case "diff":
		return runCommand(ctx, opts.CWD, "git", "diff")
	case "log":
		return runCommand(ctx, opts.CWD, "git", "log", "--oneline", "-20")
	case "commit":
		message, _ := args["message"].(string)
		if result := runCommand(ctx, opts.CWD, "git", "add", "-A"); !result.Success {
			return result
		}
		return runCommand(ctx, opts.CWD, "git", "commit", "-m", message)
	default:
		return tools.Result{Error: fmt.Sprintf("unknown git action %q", action)}
	}
}

func execFile(action string, args map[string]interface{}, opts tools.ExecOptions) tools.Result {
	path, _ := args["path"].(string)
	if path == "" && action != "list" {
		return tools.Result{Error: "path is required"}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(opts.CWD, path)
	}

	switch action {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return tools.Result{Error: err.Error()}
		}
		return tools.Result{Success: true, Output: string(data)}
	case "write":
		content, _ := args["content"].(string)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return tools.Result{Error: err.Error()}
		}
		return tools.Result{Success: true, Output: fmt.Sprintf("wrote %d bytes", len(content))}
	case "list":
		if path == "" || path == opts.CWD {
			path = opts.CWD
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return tools.Result{Error: err.Error()}
		}
		var names []string
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return tools.Result{Success: true, Output: strings.Join(names, "\n")}
	default:
		return tools.Result{Error: fmt.Sprintf("unknown file action %q", action)}
	}
}

func runCommand(ctx context.Context, cwd string, name string, args ...string) tools.Result {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := strings.TrimRight(stdout.String(), "\n")
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return tools.Result{Output: output, Error: msg}
	}
	return tools.Result{Success: true, Output: output}
}

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/syntor/agentcore/pkg/models"
)

// ErrOutsideWorkDir is returned for paths that escape the work directory
var ErrOutsideWorkDir = errors.New("path outside work directory")

// ErrCommandNotAllowed is returned for programs missing from the allow list
var ErrCommandNotAllowed = errors.New("command not allowed")

var transforms = map[string]func(any) (any, error){
	"passthrough": func(v any) (any, error) { return v, nil },
	"uppercase":   stringOp("uppercase", strings.ToUpper),
	"lowercase":   stringOp("lowercase", strings.ToLower),
	"trim":        stringOp("trim", strings.TrimSpace),
	"json_parse": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("json_parse requires string input")
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, fmt.Errorf("json parse failed: %w", err)
		}
		return parsed, nil
	},
	"json_stringify": func(v any) (any, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("json stringify failed: %w", err)
		}
		return string(data), nil
	},
	"count": func(v any) (any, error) {
		switch x := v.(type) {
		case string:
			return len(x), nil
		case []any:
			return len(x), nil
		case map[string]any:
			return len(x), nil
		default:
			return nil, fmt.Errorf("count requires a string, list or object, got %T", v)
		}
	},
	"keys": func(v any) (any, error) {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("keys requires an object, got %T", v)
		}
		keys := make([]any, 0, len(m))
		names := make([]string, 0, len(m))
		for k := range m {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			keys = append(keys, k)
		}
		return keys, nil
	},
}

func stringOp(name string, fn func(string) string) func(any) (any, error) {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s requires string input", name)
		}
		return fn(s), nil
	}
}

// RegisterDefaultHandlers registers the built-in handlers on e
func RegisterDefaultHandlers(e *Executor) {
	e.Register(TaskTransform, e.transform)
	e.Register(TaskFileRead, e.readFile)
	e.Register(TaskFileWrite, e.writeFile)
	e.Register(TaskCommand, e.runCommand)
}

func (e *Executor) transform(_ context.Context, task models.Task) (map[string]any, error) {
	p, err := bind[TransformParams](task)
	if err != nil {
		return nil, err
	}
	data := p.Data
	if p.From != "" {
		if data, err = Lookup(task.Inputs, p.From); err != nil {
			return nil, err
		}
	}
	out, err := transforms[p.operation()](data)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"output":    out,
		"operation": p.operation(),
	}, nil
}

func (e *Executor) readFile(_ context.Context, task models.Task) (map[string]any, error) {
	p, err := bind[FileReadParams](task)
	if err != nil {
		return nil, err
	}
	path, err := e.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	buf := &limitedBuffer{limit: e.config.MaxOutputBytes}
	if _, err := io.Copy(buf, f); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return map[string]any{
		"path":      p.Path,
		"content":   buf.String(),
		"size":      buf.total,
		"truncated": buf.truncated(),
	}, nil
}

func (e *Executor) writeFile(_ context.Context, task models.Task) (map[string]any, error) {
	p, err := bind[FileWriteParams](task)
	if err != nil {
		return nil, err
	}
	path, err := e.resolvePath(p.Path)
	if err != nil {
		return nil, err
	}

	content := p.Content
	if p.From != "" {
		v, err := Lookup(task.Inputs, p.From)
		if err != nil {
			return nil, err
		}
		if s, ok := v.(string); ok {
			content = s
		} else {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", p.From, err)
			}
			content = string(data)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if p.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return map[string]any{
		"path":    p.Path,
		"written": n,
	}, nil
}

func (e *Executor) runCommand(ctx context.Context, task models.Task) (map[string]any, error) {
	p, err := bind[CommandParams](task)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(e.config.AllowedCommands, p.Command) {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotAllowed, p.Command)
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = e.config.WorkDir
	if p.Dir != "" {
		if cmd.Dir, err = e.resolvePath(p.Dir); err != nil {
			return nil, err
		}
	}
	if len(p.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range p.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	stdout := &limitedBuffer{limit: e.config.MaxOutputBytes}
	stderr := &limitedBuffer{limit: e.config.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		return nil, fmt.Errorf("%s exited with code %d: %s", p.Command, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	case err != nil:
		return nil, fmt.Errorf("command execution failed: %w", err)
	}
	return map[string]any{
		"command":   p.Command,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": 0,
		"truncated": stdout.truncated() || stderr.truncated(),
	}, nil
}

// resolvePath maps a task path into the work directory
func (e *Executor) resolvePath(p string) (string, error) {
	if e.config.WorkDir == "" {
		return filepath.Clean(p), nil
	}
	base, err := filepath.Abs(e.config.WorkDir)
	if err != nil {
		return "", err
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkDir, p)
	}
	return target, nil
}

// limitedBuffer keeps the first limit bytes written and counts the rest
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
	total int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.total += n
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

func (b *limitedBuffer) truncated() bool {
	return b.total > b.buf.Len()
}

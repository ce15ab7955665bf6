// Package prompt renders the messages shown to humans at approval gates.
//
// Templates use {{name}} placeholders and {{#if name}}...{{/if}} blocks,
// expanded from the pipeline's request, config and upstream artifacts.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/lucasnoah/stagehand/internal/stage"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Vars maps placeholder names to values.
type Vars map[string]string

// RenderStage renders tmpl with the variables visible to sc.
func RenderStage(tmpl string, sc *stage.Context) (string, error) {
	return Render(tmpl, ForStage(sc))
}

// Render expands tmpl in a single left-to-right pass, so values are inserted
// literally and never re-expanded. Every placeholder outside a false
// conditional must have a value; missing ones are reported together. Tags
// whose contents are not a name or a conditional are copied through.
func Render(tmpl string, vars Vars) (string, error) {
	var (
		out     strings.Builder
		missing []string
		// open holds one entry per enclosing {{#if}}; skip counts the false ones.
		open []string
		skip int
	)

	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			break
		}
		end += start
		if skip == 0 {
			out.WriteString(rest[:start])
		}
		tag := rest[start : end+2]
		body := strings.TrimSpace(rest[start+2 : end])
		rest = rest[end+2:]

		fields := strings.Fields(body)
		switch {
		case len(fields) == 2 && fields[0] == "#if" && nameRe.MatchString(fields[1]):
			open = append(open, tag)
			if skip > 0 || vars[fields[1]] == "" {
				skip++
			}
		case body == "/if":
			if len(open) == 0 {
				return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
			}
			open = open[:len(open)-1]
			if skip > 0 {
				skip--
			}
		case nameRe.MatchString(body):
			if skip > 0 {
				continue
			}
			v, ok := vars[body]
			if !ok {
				missing = append(missing, body)
				v = tag
			}
			out.WriteString(v)
		default:
			if skip == 0 {
				out.WriteString(tag)
			}
		}
	}
	if skip == 0 {
		out.WriteString(rest)
	}

	if len(open) > 0 {
		return "", fmt.Errorf("unclosed conditional block: %s", open[len(open)-1])
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out.String(), nil
}

// ForStage builds the variables visible to a stage: pipeline_id, stage,
// request and project_path, every pipeline config value, and every input
// artifact. Nested artifact maps are flattened with "_" (e.g. the "exit_code"
// field of artifact "build" becomes build_exit_code). Pipeline fields win
// over config and artifacts of the same name.
func ForStage(sc *stage.Context) Vars {
	vars := Vars{}
	for k, v := range sc.InputArtifacts {
		flatten(vars, k, v)
	}
	for k, v := range sc.Config {
		flatten(vars, k, v)
	}
	vars["pipeline_id"] = sc.PipelineID
	vars["stage"] = sc.StageName
	vars["request"] = sc.Request
	vars["project_path"] = sc.ProjectPath
	return vars
}

func flatten(vars Vars, key string, v any) {
	switch val := v.(type) {
	case nil:
	case string:
		vars[key] = val
	case map[string]any:
		for k, inner := range val {
			flatten(vars, key+"_"+k, inner)
		}
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		vars[key] = strings.Join(parts, ", ")
	default:
		vars[key] = fmt.Sprint(val)
	}
}

// Names returns the variable names in sorted order.
func (v Vars) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Load reads a template file. Relative paths resolve against projectDir and
// must stay inside it.
func Load(path, projectDir string) (string, error) {
	if !filepath.IsAbs(path) && projectDir != "" {
		root, err := filepath.Abs(projectDir)
		if err != nil {
			return "", err
		}
		full := filepath.Join(root, path)
		if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
			return "", fmt.Errorf("template path %q escapes project directory", path)
		}
		path = full
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}
	return string(data), nil
}

package script

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	fencePattern  = regexp.MustCompile("(?s)```[ \\t]*([A-Za-z0-9_+.-]*)[^\\n]*\\n(.*?)```")
	importPattern = regexp.MustCompile(`^(\s*)import\s+(.+)$`)
	fromPattern   = regexp.MustCompile(`^(\s*)from\s+([A-Za-z_][\w.]*)\s+import\s+(.+)$`)
	assignLike    = regexp.MustCompile(`^[A-Za-z_][\w.\[\]'"]*\s*(=|\+=|-=|\*=|/=|\()`)
	tupleAssign   = regexp.MustCompile(`^[A-Za-z_]\w*\s*,[\w\s,]*=`)
	identPattern  = regexp.MustCompile(`^[A-Za-z_][\w.]*$`)
)

var codePrefixes = []string{
	"import ", "from ", "#", "def ", "for ", "if ", "while ", "return", "print(", "bpy.", "@", "pass",
}

// stripFences extracts the script body from a model reply. A fenced block
// tagged as Python wins, then an untagged block, then the first block. An
// unterminated fence keeps everything after the opening line. Unfenced
// replies lose their leading and trailing prose.
func stripFences(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	if matches := fencePattern.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		for _, m := range matches {
			if isPythonTag(m[1]) {
				return m[2]
			}
		}
		for _, m := range matches {
			if m[1] == "" {
				return m[2]
			}
		}
		return matches[0][2]
	}

	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			return rest[nl+1:]
		}
		return ""
	}
	return stripProse(text)
}

func isPythonTag(tag string) bool {
	switch strings.ToLower(tag) {
	case "python", "py", "python3", "blender_python":
		return true
	}
	return false
}

func stripProse(text string) string {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		if !isIndented(line) && looksLikeCode(strings.TrimSpace(line)) {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	end := start
	for i := start; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if isIndented(lines[i]) || looksLikeCode(trimmed) {
			end = i
		}
	}
	return strings.Join(lines[start:end+1], "\n")
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

func looksLikeCode(line string) bool {
	if line == "" {
		return false
	}
	for _, prefix := range codePrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return assignLike.MatchString(line) || tupleAssign.MatchString(line)
}

// importResult is the outcome of rewriting import statements.
type importResult struct {
	source      string
	violations  []violation
	deniedRoots map[string]bool
}

// normalizeImports rewrites import statements into assignments against the
// predeclared modules. Line count is preserved so positions reported later
// match the stripped text.
func (x *Extractor) normalizeImports(body string) importResult {
	res := importResult{deniedRoots: make(map[string]bool)}
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	for i := 0; i < len(lines); i++ {
		lines[i] = expandLeadingTabs(lines[i])
		line := stripComment(lines[i])

		if m := fromPattern.FindStringSubmatch(line); m != nil {
			first := i
			indent, module, names := m[1], m[2], strings.TrimSpace(m[3])
			if strings.HasPrefix(names, "(") && !strings.Contains(names, ")") {
				// Parenthesised list spanning lines.
				for i+1 < len(lines) {
					i++
					part := stripComment(lines[i])
					names += " " + strings.TrimSpace(part)
					lines[i] = ""
					if strings.Contains(part, ")") {
						break
					}
				}
			}
			names = strings.Trim(strings.TrimSpace(names), "()")
			lines[first] = indent + x.rewriteFrom(module, names, first+1, &res)
			continue
		}
		if m := importPattern.FindStringSubmatch(line); m != nil {
			lines[i] = m[1] + x.rewriteImport(m[2], i+1, &res)
		}
	}

	for i, line := range lines {
		if isIndented(line) && strings.TrimSpace(line) == "" {
			// An emptied import inside a block still needs a statement.
			if i > 0 && strings.HasSuffix(strings.TrimSpace(stripComment(lines[i-1])), ":") {
				lines[i] = line + "pass"
				continue
			}
			lines[i] = ""
		}
	}
	res.source = strings.Join(lines, "\n")
	return res
}

func (x *Extractor) rewriteImport(spec string, line int, res *importResult) string {
	var stmts []string
	for _, item := range strings.Split(spec, ",") {
		name, alias := splitAlias(item)
		if !identPattern.MatchString(name) {
			continue
		}
		root := rootOf(name)
		switch {
		case x.allowed[root]:
			if alias != "" && alias != name {
				stmts = append(stmts, fmt.Sprintf("%s = %s", alias, name))
			}
		default:
			res.deniedRoots[root] = true
			if alias != "" {
				res.deniedRoots[alias] = true
			}
			res.violations = append(res.violations, violation{construct: "import " + name, line: line, rank: rankImport})
		}
	}
	return joinStatements(stmts)
}

func (x *Extractor) rewriteFrom(module, names string, line int, res *importResult) string {
	root := rootOf(module)
	switch {
	case x.allowed[root]:
	default:
		res.deniedRoots[root] = true
		for _, item := range strings.Split(names, ",") {
			name, alias := splitAlias(item)
			if alias == "" {
				alias = name
			}
			if alias != "" && alias != "*" {
				res.deniedRoots[alias] = true
			}
		}
		res.violations = append(res.violations, violation{construct: "from " + module + " import", line: line, rank: rankImport})
		return ""
	}

	var stmts []string
	for _, item := range strings.Split(names, ",") {
		name, alias := splitAlias(item)
		if name == "*" {
			for _, member := range x.starMembers[module] {
				stmts = append(stmts, fmt.Sprintf("%s = %s.%s", member, module, member))
			}
			continue
		}
		if !identPattern.MatchString(name) {
			continue
		}
		if alias == "" {
			alias = name
		}
		stmts = append(stmts, fmt.Sprintf("%s = %s.%s", alias, module, name))
	}
	return joinStatements(stmts)
}

func splitAlias(item string) (name, alias string) {
	fields := strings.Fields(strings.TrimSpace(item))
	switch {
	case len(fields) == 3 && fields[1] == "as":
		return fields[0], fields[2]
	case len(fields) == 1:
		return fields[0], ""
	default:
		return strings.TrimSpace(item), ""
	}
}

func rootOf(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func joinStatements(stmts []string) string {
	return strings.Join(stmts, "; ")
}

// stripComment drops a trailing comment, ignoring '#' inside string literals.
func stripComment(line string) string {
	var quote rune
	for i, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '#':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return strings.TrimRight(line, " \t")
}

func expandLeadingTabs(line string) string {
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	if !strings.Contains(line[:i], "\t") {
		return line
	}
	return strings.ReplaceAll(line[:i], "\t", "    ") + line[i:]
}

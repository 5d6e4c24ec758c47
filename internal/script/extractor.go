package script

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"scenegen/internal/metrics"
	"scenegen/internal/models"
)

// Filename is the name attached to generated scripts in positions and
// backtraces.
const Filename = "generated.py"

// FileOptions is the dialect accepted for generated scripts. Top-level
// loops and rebinding a global are common in Blender scripts.
var FileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Config describes what a generated script may reference.
type Config struct {
	// AllowedModules are importable and predeclared.
	AllowedModules []string
	// DeniedModules are rejected on any dotted reference even without an
	// import statement.
	DeniedModules []string
	// DeniedBuiltins are rejected wherever the identifier appears.
	DeniedBuiltins []string
	// DeniedPaths are dotted prefixes inside allowed modules that are rejected.
	DeniedPaths []string
}

// DefaultConfig returns the capability policy for the bpy surface.
func DefaultConfig() Config {
	return Config{
		AllowedModules: []string{"bpy", "math", "mathutils", "random"},
		DeniedModules: []string{
			"os", "sys", "subprocess", "shutil", "socket", "pathlib", "importlib",
			"ctypes", "pickle", "marshal", "builtins", "threading", "multiprocessing",
			"urllib", "requests", "http", "io", "tempfile", "glob", "signal", "bmesh",
		},
		DeniedBuiltins: []string{
			"open", "exec", "eval", "compile", "__import__", "input", "breakpoint",
			"globals", "locals", "vars", "exit", "quit", "getattr", "setattr", "delattr",
		},
		DeniedPaths: []string{
			"bpy.ops.wm", "bpy.ops.script", "bpy.ops.preferences", "bpy.ops.file",
			"bpy.ops.render", "bpy.context.preferences", "bpy.app", "bpy.utils",
		},
	}
}

const (
	rankPath = iota
	rankBuiltin
	rankDunder
	rankImport
)

type violation struct {
	construct string
	line      int
	rank      int
}

// ValidatedScript is a candidate that passed every check. It can only be
// produced by Extract.
type ValidatedScript struct {
	source         string
	program        *starlark.Program
	candidate      int
	sideEffectFree bool
}

// Source returns the normalized script text.
func (s *ValidatedScript) Source() string { return s.source }

// Program returns the compiled script.
func (s *ValidatedScript) Program() *starlark.Program { return s.program }

// Candidate is the zero-based index of the accepted candidate.
func (s *ValidatedScript) Candidate() int { return s.candidate }

// SideEffectFree reports that the script never deletes, unlinks or
// deselects existing data.
func (s *ValidatedScript) SideEffectFree() bool { return s.sideEffectFree }

// Option configures an Extractor.
type Option func(*Extractor)

func WithLogger(logger *zap.Logger) Option {
	return func(x *Extractor) { x.logger = logger }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(x *Extractor) { x.metrics = m }
}

// Extractor turns provider results into validated scripts.
type Extractor struct {
	allowed        map[string]bool
	deniedModules  map[string]bool
	deniedBuiltins map[string]bool
	deniedPaths    []string
	starMembers    map[string][]string
	backstop       []*regexp.Regexp

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewExtractor builds an extractor enforcing cfg.
func NewExtractor(cfg Config, opts ...Option) *Extractor {
	x := &Extractor{
		allowed:        toSet(cfg.AllowedModules),
		deniedModules:  toSet(cfg.DeniedModules),
		deniedBuiltins: toSet(cfg.DeniedBuiltins),
		deniedPaths:    append([]string(nil), cfg.DeniedPaths...),
		starMembers: map[string][]string{
			"math":      starlarkmath.Module.Members.Keys(),
			"bpy":       {"context", "data", "ops"},
			"mathutils": {"Euler", "Vector"},
			"random":    {"choice", "gauss", "randint", "random", "seed", "shuffle", "uniform"},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(x)
	}
	x.logger = x.logger.With(zap.String("component", "script_extractor"))
	x.backstop = x.backstopPatterns()
	return x
}

// AllowedModules lists the predeclared module names in sorted order.
func (x *Extractor) AllowedModules() []string {
	names := make([]string, 0, len(x.allowed))
	for name := range x.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extract returns the first candidate that passes validation. When none
// passes, the error names the first disallowed construct found, or lists
// why each candidate failed.
func (x *Extractor) Extract(result *models.GenerationResult) (*ValidatedScript, error) {
	if result == nil || len(result.ScriptCandidates) == 0 {
		x.metrics.RecordScriptRejection(string(NoValidScript))
		return nil, &Error{Kind: NoValidScript, Reasons: []string{"response carried no candidates"}}
	}

	var (
		first   *Error
		reasons = make([]string, 0, len(result.ScriptCandidates))
	)
	for i, raw := range result.ScriptCandidates {
		script, verr, reason := x.check(i, raw)
		if script != nil {
			x.logger.Debug("script accepted",
				zap.Int("candidate", i),
				zap.Bool("side_effect_free", script.sideEffectFree),
			)
			return script, nil
		}
		if verr != nil && first == nil {
			first = verr
		}
		reasons = append(reasons, fmt.Sprintf("candidate %d: %s", i+1, reason))
		x.logger.Debug("script candidate rejected", zap.Int("candidate", i), zap.String("reason", reason))
	}

	raw := result.ScriptCandidates[0]
	if first != nil {
		first.RawText = raw
		first.Reasons = reasons
		x.metrics.RecordScriptRejection(string(DisallowedConstruct))
		x.logger.Warn("script rejected", zap.String("construct", first.Construct), zap.Int("line", first.Line))
		return nil, first
	}
	x.metrics.RecordScriptRejection(string(NoValidScript))
	return nil, &Error{Kind: NoValidScript, RawText: raw, Reasons: reasons}
}

func (x *Extractor) check(index int, raw string) (*ValidatedScript, *Error, string) {
	body := stripFences(raw)
	if strings.TrimSpace(body) == "" {
		return nil, nil, "empty after removing fences and prose"
	}

	imports := x.normalizeImports(body)
	violations := imports.violations

	file, err := FileOptions.Parse(Filename, imports.source, 0)
	if err != nil {
		violations = append(violations, x.scanText(imports.source, imports.deniedRoots)...)
		if v := pick(violations); v != nil {
			return nil, disallowed(v), "disallowed construct " + v.construct
		}
		return nil, nil, "syntax error: " + describe(err)
	}

	violations = append(violations, x.inspect(file, imports.deniedRoots, collectBindings(file))...)
	if v := pick(violations); v != nil {
		return nil, disallowed(v), "disallowed construct " + v.construct
	}

	sideEffectFree := !destructive(file)
	prog, err := starlark.FileProgram(file, x.isPredeclared)
	if err != nil {
		return nil, nil, "unresolved: " + describe(err)
	}
	return &ValidatedScript{
		source:         imports.source,
		program:        prog,
		candidate:      index,
		sideEffectFree: sideEffectFree,
	}, nil, ""
}

func (x *Extractor) isPredeclared(name string) bool {
	return x.allowed[name] || name == "__name__"
}

// inspect walks the syntax tree for references outside the capability
// surface.
func (x *Extractor) inspect(file *syntax.File, deniedRoots map[string]bool, b bindings) []violation {
	var found []violation
	walk(file, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.DotExpr:
			start, _ := n.Span()
			if isDunder(n.Name.Name) {
				found = append(found, violation{construct: "." + n.Name.Name, line: int(start.Line), rank: rankDunder})
			}
			path, ok := dottedPath(n)
			if !ok {
				return true
			}
			if x.deniedPath(path, deniedRoots, b) {
				found = append(found, violation{construct: path, line: int(start.Line), rank: rankPath})
			}
			// The remaining nodes are identifiers of the same chain.
			return false
		case *syntax.Ident:
			if x.deniedBuiltins[n.Name] {
				found = append(found, violation{construct: n.Name, line: int(n.NamePos.Line), rank: rankBuiltin})
			}
		}
		return true
	})
	return found
}

// deniedPath reports whether path, or what it expands to through simple
// aliases, reaches a denied module or prefix. A denied module name that the
// script binds itself is an ordinary variable unless it was also imported.
func (x *Extractor) deniedPath(path string, deniedRoots map[string]bool, b bindings) bool {
	for _, p := range b.expand(path) {
		root := rootOf(p)
		if deniedRoots[root] || (x.deniedModules[root] && !b.local[root]) {
			return true
		}
		for _, prefix := range x.deniedPaths {
			if p == prefix || strings.HasPrefix(p, prefix+".") {
				return true
			}
		}
	}
	return false
}

// dottedPath renders a chain of attribute accesses rooted at an identifier.
func dottedPath(e *syntax.DotExpr) (string, bool) {
	parts := []string{e.Name.Name}
	var cur syntax.Expr = e.X
	for {
		switch v := cur.(type) {
		case *syntax.DotExpr:
			parts = append(parts, v.Name.Name)
			cur = v.X
		case *syntax.Ident:
			parts = append(parts, v.Name)
			for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
				parts[i], parts[j] = parts[j], parts[i]
			}
			return strings.Join(parts, "."), true
		default:
			return "", false
		}
	}
}

var destructiveNames = map[string]bool{
	"delete": true, "remove": true, "select_all": true, "unlink": true, "clear": true,
}

func destructive(file *syntax.File) bool {
	found := false
	walk(file, func(n syntax.Node) bool {
		if found {
			return false
		}
		if dot, ok := n.(*syntax.DotExpr); ok && destructiveNames[dot.Name.Name] {
			found = true
		}
		return true
	})
	return found
}

// scanText is used when the script does not parse: a denied reference in
// unparseable text is still reported as such.
func (x *Extractor) scanText(src string, deniedRoots map[string]bool) []violation {
	var found []violation
	assigned := assignedNames(src)
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		code := stripComment(line)
		for _, re := range x.backstop {
			for _, m := range re.FindAllStringSubmatch(code, -1) {
				construct := strings.Join(strings.Fields(strings.ReplaceAll(m[1], ".", " . ")), "")
				if root := rootOf(construct); assigned[root] && !deniedRoots[root] {
					continue
				}
				rank := rankPath
				if !strings.Contains(construct, ".") {
					rank = rankBuiltin
				}
				found = append(found, violation{construct: construct, line: i + 1, rank: rank})
			}
		}
		for root := range deniedRoots {
			re := regexp.MustCompile(`(?:^|[^\w.])(` + regexp.QuoteMeta(root) + `\s*\.\s*[A-Za-z_]\w*)`)
			if m := re.FindStringSubmatch(code); m != nil {
				found = append(found, violation{construct: strings.Join(strings.Fields(m[1]), ""), line: i + 1, rank: rankPath})
			}
		}
	}
	return found
}

func (x *Extractor) backstopPatterns() []*regexp.Regexp {
	var patterns []*regexp.Regexp
	if len(x.deniedModules) > 0 {
		names := sortedKeys(x.deniedModules)
		for i := range names {
			names[i] = regexp.QuoteMeta(names[i])
		}
		patterns = append(patterns, regexp.MustCompile(
			`(?:^|[^\w.])((?:`+strings.Join(names, "|")+`)\s*\.\s*[A-Za-z_]\w*)`))
	}
	if len(x.deniedBuiltins) > 0 {
		names := sortedKeys(x.deniedBuiltins)
		for i := range names {
			names[i] = regexp.QuoteMeta(names[i])
		}
		patterns = append(patterns, regexp.MustCompile(
			`(?:^|[^\w.])(`+strings.Join(names, "|")+`)\s*\(`))
	}
	for _, path := range x.deniedPaths {
		parts := strings.Split(path, ".")
		for i := range parts {
			parts[i] = regexp.QuoteMeta(parts[i])
		}
		patterns = append(patterns, regexp.MustCompile(
			`(?:^|[^\w.])(`+strings.Join(parts, `\s*\.\s*`)+`)\b`))
	}
	return patterns
}

// pick returns the most specific violation, earliest line first.
func pick(vs []violation) *violation {
	var best *violation
	for i := range vs {
		v := &vs[i]
		if best == nil || v.rank < best.rank || (v.rank == best.rank && v.line < best.line) {
			best = v
		}
	}
	return best
}

func disallowed(v *violation) *Error {
	return &Error{Kind: DisallowedConstruct, Construct: v.construct, Line: v.line}
}

func describe(err error) string {
	var serr syntax.Error
	if errors.As(err, &serr) {
		return fmt.Sprintf("line %d: %s", serr.Pos.Line, serr.Msg)
	}
	return err.Error()
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = true
		}
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

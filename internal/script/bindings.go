package script

import (
	"regexp"
	"strings"

	"go.starlark.net/syntax"
)

// walk is syntax.Walk that also descends into while loops, which the
// pinned syntax package does not visit.
func walk(n syntax.Node, f func(syntax.Node) bool) {
	syntax.Walk(n, func(n syntax.Node) bool {
		w, ok := n.(*syntax.WhileStmt)
		if !ok {
			return f(n)
		}
		if f(w) {
			walk(w.Cond, f)
			for _, stmt := range w.Body {
				walk(stmt, f)
			}
		}
		return false
	})
}

const maxAliasDepth = 8

// bindings records the names a script binds itself and the dotted paths
// plain assignments alias them to.
type bindings struct {
	local   map[string]bool
	aliases map[string][]string
}

func collectBindings(file *syntax.File) bindings {
	b := bindings{local: make(map[string]bool), aliases: make(map[string][]string)}
	walk(file, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.AssignStmt:
			b.bindTarget(n.LHS)
			if id, ok := n.LHS.(*syntax.Ident); ok && n.Op == syntax.EQ {
				if path, ok := exprPath(n.RHS); ok && path != id.Name {
					b.aliases[id.Name] = append(b.aliases[id.Name], path)
				}
			}
		case *syntax.ForStmt:
			b.bindTarget(n.Vars)
		case *syntax.ForClause:
			b.bindTarget(n.Vars)
		case *syntax.DefStmt:
			b.local[n.Name.Name] = true
			b.bindParams(n.Params)
		case *syntax.LambdaExpr:
			b.bindParams(n.Params)
		}
		return true
	})
	return b
}

func (b bindings) bindTarget(e syntax.Expr) {
	switch e := e.(type) {
	case *syntax.Ident:
		b.local[e.Name] = true
	case *syntax.ParenExpr:
		b.bindTarget(e.X)
	case *syntax.TupleExpr:
		for _, item := range e.List {
			b.bindTarget(item)
		}
	case *syntax.ListExpr:
		for _, item := range e.List {
			b.bindTarget(item)
		}
	}
}

func (b bindings) bindParams(params []syntax.Expr) {
	for _, p := range params {
		switch p := p.(type) {
		case *syntax.Ident:
			b.local[p.Name] = true
		case *syntax.BinaryExpr:
			b.bindTarget(p.X)
		case *syntax.UnaryExpr:
			if p.X != nil {
				b.bindTarget(p.X)
			}
		}
	}
}

// expand returns path followed by every path it reaches through aliases.
func (b bindings) expand(path string) []string {
	out := []string{path}
	seen := map[string]bool{path: true}
	queue := []string{path}
	for depth := 0; depth < maxAliasDepth && len(queue) > 0; depth++ {
		var next []string
		for _, p := range queue {
			root := rootOf(p)
			for _, target := range b.aliases[root] {
				expanded := target + p[len(root):]
				if seen[expanded] {
					continue
				}
				seen[expanded] = true
				out = append(out, expanded)
				next = append(next, expanded)
			}
		}
		queue = next
	}
	return out
}

func exprPath(e syntax.Expr) (string, bool) {
	switch e := e.(type) {
	case *syntax.Ident:
		return e.Name, true
	case *syntax.DotExpr:
		return dottedPath(e)
	case *syntax.ParenExpr:
		return exprPath(e.X)
	}
	return "", false
}

var (
	assignedPattern = regexp.MustCompile(`^\s*([A-Za-z_]\w*)\s*=[^=]`)
	loopVarPattern  = regexp.MustCompile(`\bfor\s+([A-Za-z_]\w*)\s+in\b`)
)

// assignedNames is the text-level counterpart of collectBindings for
// scripts that do not parse.
func assignedNames(src string) map[string]bool {
	names := make(map[string]bool)
	for _, line := range strings.Split(src, "\n") {
		code := stripComment(line)
		if m := assignedPattern.FindStringSubmatch(code); m != nil {
			names[m[1]] = true
		}
		for _, m := range loopVarPattern.FindAllStringSubmatch(code, -1) {
			names[m[1]] = true
		}
	}
	return names
}

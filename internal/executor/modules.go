package executor

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

func newMathutils() *starlarkstruct.Module {
	return &starlarkstruct.Module{Name: "mathutils", Members: starlark.StringDict{
		"Vector": starlark.NewBuiltin("Vector", vectorConstructor("Vector", 2, 4)),
		"Euler":  starlark.NewBuiltin("Euler", vectorConstructor("Euler", 3, 3)),
	}}
}

func vectorConstructor(typ string, lo, hi int) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			seq   starlark.Value = starlark.Tuple{starlark.Float(0), starlark.Float(0), starlark.Float(0)}
			order string
		)
		pairs := []any{"seq?", &seq}
		if typ == "Euler" {
			pairs = append(pairs, "order?", &order)
		}
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, pairs...); err != nil {
			return nil, err
		}
		vals, err := floats(b.Name(), seq, lo, hi)
		if err != nil {
			return nil, err
		}
		return &vector{typ: typ, vals: vals}, nil
	}
}

var vectorAxes = []string{"x", "y", "z", "w"}

// vector is a mutable mathutils.Vector or Euler. It is accepted anywhere a
// tuple of numbers is.
type vector struct {
	typ    string
	vals   []float64
	frozen bool
}

var (
	_ starlark.Indexable   = (*vector)(nil)
	_ starlark.HasSetField = (*vector)(nil)
	_ starlark.HasBinary   = (*vector)(nil)
	_ starlark.HasUnary    = (*vector)(nil)
)

func (v *vector) String() string {
	parts := make([]string, len(v.vals))
	for i, f := range v.vals {
		parts[i] = starlark.Float(f).String()
	}
	return fmt.Sprintf("%s((%s))", v.typ, strings.Join(parts, ", "))
}

func (v *vector) Type() string          { return v.typ }
func (v *vector) Freeze()               { v.frozen = true }
func (v *vector) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", v.typ) }
func (v *vector) Len() int              { return len(v.vals) }

func (v *vector) Truth() starlark.Bool {
	for _, f := range v.vals {
		if f != 0 {
			return true
		}
	}
	return false
}

func (v *vector) Index(i int) starlark.Value { return starlark.Float(v.vals[i]) }

func (v *vector) AttrNames() []string {
	names := append([]string(nil), vectorAxes[:len(v.vals)]...)
	return append(names, "copy", "dot", "length", "normalized", "to_tuple")
}

func (v *vector) axis(name string) int {
	for i, a := range vectorAxes[:len(v.vals)] {
		if a == name {
			return i
		}
	}
	return -1
}

func (v *vector) Attr(name string) (starlark.Value, error) {
	if i := v.axis(name); i >= 0 {
		return starlark.Float(v.vals[i]), nil
	}
	switch name {
	case "length":
		return starlark.Float(v.length()), nil
	case "copy":
		return v.method(name, 0, func(starlark.Tuple) (starlark.Value, error) {
			return v.mapped(func(f float64) float64 { return f }), nil
		}), nil
	case "normalized":
		return v.method(name, 0, func(starlark.Tuple) (starlark.Value, error) {
			n := v.length()
			if n == 0 {
				return v.mapped(func(f float64) float64 { return f }), nil
			}
			return v.mapped(func(f float64) float64 { return f / n }), nil
		}), nil
	case "to_tuple":
		return v.method(name, 0, func(starlark.Tuple) (starlark.Value, error) {
			out := make(starlark.Tuple, len(v.vals))
			for i, f := range v.vals {
				out[i] = starlark.Float(f)
			}
			return out, nil
		}), nil
	case "dot":
		return v.method(name, 1, func(args starlark.Tuple) (starlark.Value, error) {
			other, err := floats("dot", args[0], len(v.vals), len(v.vals))
			if err != nil {
				return nil, err
			}
			var sum float64
			for i := range v.vals {
				sum += v.vals[i] * other[i]
			}
			return starlark.Float(sum), nil
		}), nil
	}
	return nil, nil
}

func (v *vector) SetField(name string, val starlark.Value) error {
	if v.frozen {
		return fmt.Errorf("cannot modify frozen %s", v.typ)
	}
	i := v.axis(name)
	if i < 0 {
		return starlark.NoSuchAttrError(fmt.Sprintf("%s has no writable attribute %q", v.typ, name))
	}
	f, err := floatValue(name, val)
	if err != nil {
		return err
	}
	v.vals[i] = f
	return nil
}

func (v *vector) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	if f, ok := starlark.AsFloat(y); ok {
		switch {
		case op == syntax.STAR:
			return v.mapped(func(a float64) float64 { return a * f }), nil
		case op == syntax.SLASH && side == starlark.Left:
			if f == 0 {
				return nil, errors.New("vector division by zero")
			}
			return v.mapped(func(a float64) float64 { return a / f }), nil
		}
		return nil, nil
	}

	seq, ok := y.(starlark.Indexable)
	if !ok || seq.Len() != len(v.vals) {
		return nil, nil
	}
	other, err := floats(v.typ, y, len(v.vals), len(v.vals))
	if err != nil {
		return nil, nil
	}
	var combine func(a, b float64) float64
	switch op {
	case syntax.PLUS:
		combine = func(a, b float64) float64 { return a + b }
	case syntax.MINUS:
		combine = func(a, b float64) float64 { return a - b }
	case syntax.STAR:
		combine = func(a, b float64) float64 { return a * b }
	default:
		return nil, nil
	}
	out := make([]float64, len(v.vals))
	for i := range v.vals {
		if side == starlark.Left {
			out[i] = combine(v.vals[i], other[i])
		} else {
			out[i] = combine(other[i], v.vals[i])
		}
	}
	return &vector{typ: v.typ, vals: out}, nil
}

func (v *vector) Unary(op syntax.Token) (starlark.Value, error) {
	switch op {
	case syntax.MINUS:
		return v.mapped(func(f float64) float64 { return -f }), nil
	case syntax.PLUS:
		return v.mapped(func(f float64) float64 { return f }), nil
	}
	return nil, nil
}

func (v *vector) length() float64 {
	var sum float64
	for _, f := range v.vals {
		sum += f * f
	}
	return math.Sqrt(sum)
}

func (v *vector) mapped(fn func(float64) float64) *vector {
	out := make([]float64, len(v.vals))
	for i, f := range v.vals {
		out[i] = fn(f)
	}
	return &vector{typ: v.typ, vals: out}
}

func (v *vector) method(name string, nargs int, fn func(starlark.Tuple) (starlark.Value, error)) *starlark.Builtin {
	return starlark.NewBuiltin(v.typ+"."+name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		if len(args) != nargs {
			return nil, fmt.Errorf("%s: got %d arguments, want %d", b.Name(), len(args), nargs)
		}
		return fn(args)
	})
}

type randomSource struct {
	r *rand.Rand
}

// newRandom builds the random module over r. seed() replaces the generator
// for the rest of the run.
func newRandom(r *rand.Rand) *starlarkstruct.Module {
	src := &randomSource{r: r}
	fn := func(name string, impl builtinFn) *starlark.Builtin {
		return starlark.NewBuiltin("random."+name, impl)
	}
	return &starlarkstruct.Module{Name: "random", Members: starlark.StringDict{
		"random": fn("random", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.Float(src.r.Float64()), nil
		}),
		"uniform": fn("uniform", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var lo, hi starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
				return nil, err
			}
			a, err := floatValue(b.Name(), lo)
			if err != nil {
				return nil, err
			}
			z, err := floatValue(b.Name(), hi)
			if err != nil {
				return nil, err
			}
			return starlark.Float(a + (z-a)*src.r.Float64()), nil
		}),
		"randint": fn("randint", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var lo, hi int
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &lo, &hi); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, fmt.Errorf("%s: empty range (%d, %d)", b.Name(), lo, hi)
			}
			return starlark.MakeInt(lo + src.r.IntN(hi-lo+1)), nil
		}),
		"gauss": fn("gauss", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var mu, sigma starlark.Value = starlark.Float(0), starlark.Float(1)
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "mu?", &mu, "sigma?", &sigma); err != nil {
				return nil, err
			}
			m, err := floatValue(b.Name(), mu)
			if err != nil {
				return nil, err
			}
			s, err := floatValue(b.Name(), sigma)
			if err != nil {
				return nil, err
			}
			return starlark.Float(m + s*src.r.NormFloat64()), nil
		}),
		"choice": fn("choice", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
				return nil, err
			}
			seq, ok := v.(starlark.Indexable)
			if !ok {
				return nil, fmt.Errorf("%s: want sequence, got %s", b.Name(), v.Type())
			}
			if seq.Len() == 0 {
				return nil, fmt.Errorf("%s: empty sequence", b.Name())
			}
			return seq.Index(src.r.IntN(seq.Len())), nil
		}),
		"shuffle": fn("shuffle", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var list *starlark.List
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &list); err != nil {
				return nil, err
			}
			var err error
			src.r.Shuffle(list.Len(), func(i, j int) {
				if err != nil {
					return
				}
				a, z := list.Index(i), list.Index(j)
				if err = list.SetIndex(i, z); err == nil {
					err = list.SetIndex(j, a)
				}
			})
			return starlark.None, err
		}),
		"seed": fn("seed", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var n int
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &n); err != nil {
				return nil, err
			}
			seed := uint64(n)
			if len(args) == 0 {
				seed = rand.Uint64()
			}
			src.r = rand.New(rand.NewPCG(seed, 0))
			return starlark.None, nil
		}),
	}}
}

package executor

import (
	"fmt"

	"go.starlark.net/starlark"

	"scenegen/internal/scene"
)

func floatValue(fn string, v starlark.Value) (float64, error) {
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s: want number, got %s", fn, v.Type())
	}
	return f, nil
}

// floats reads a fixed-length sequence of numbers.
func floats(fn string, v starlark.Value, lo, hi int) ([]float64, error) {
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return nil, fmt.Errorf("%s: want sequence of numbers, got %s", fn, v.Type())
	}
	n := seq.Len()
	if n < lo || n > hi {
		if lo == hi {
			return nil, fmt.Errorf("%s: want %d values, got %d", fn, lo, n)
		}
		return nil, fmt.Errorf("%s: want %d to %d values, got %d", fn, lo, hi, n)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		f, ok := starlark.AsFloat(seq.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s: element %d is %s, want number", fn, i, seq.Index(i).Type())
		}
		out[i] = f
	}
	return out, nil
}

func vec3(fn string, v starlark.Value) (scene.Vec3, error) {
	f, err := floats(fn, v, 3, 3)
	if err != nil {
		return scene.Vec3{}, err
	}
	return scene.Vec3{f[0], f[1], f[2]}, nil
}

func vecTuple(v scene.Vec3) starlark.Tuple {
	return starlark.Tuple{starlark.Float(v[0]), starlark.Float(v[1]), starlark.Float(v[2])}
}

// keywords collects operator arguments. Operators take keywords only.
func keywords(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (map[string]starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: operators accept keyword arguments only", fn)
	}
	out := make(map[string]starlark.Value, len(kwargs))
	for _, kv := range kwargs {
		out[string(kv[0].(starlark.String))] = kv[1]
	}
	return out, nil
}

func stringKeyword(kw map[string]starlark.Value, name, fallback string) (string, error) {
	v, ok := kw[name]
	if !ok {
		return fallback, nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s: want string, got %s", name, v.Type())
	}
	return s, nil
}

// finished is what every operator returns on success.
func finished() starlark.Value {
	set := starlark.NewSet(1)
	_ = set.Insert(starlark.String("FINISHED"))
	return set
}

func noop(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return starlark.None, nil
	})
}

package executor

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"scenegen/internal/scene"
)

type base struct{}

func (base) Freeze()              {}
func (base) Truth() starlark.Bool { return starlark.True }

func compareRefs(op syntax.Token, equal bool, x, y starlark.Value) (bool, error) {
	switch op {
	case syntax.EQL:
		return equal, nil
	case syntax.NEQ:
		return !equal, nil
	}
	return false, fmt.Errorf("%s %s %s not supported", x.Type(), op, y.Type())
}

// objectValue is a handle on a scene object. Objects created before the
// run can be read and selected but not modified.
type objectValue struct {
	base
	tx  *txn
	ref scene.ObjectRef
}

var (
	_ starlark.HasSetField = (*objectValue)(nil)
	_ starlark.Comparable  = (*objectValue)(nil)
)

func (o *objectValue) String() string {
	obj, err := o.tx.object(o.ref)
	if err != nil {
		return `bpy.data.objects[<removed>]`
	}
	return fmt.Sprintf("bpy.data.objects[%q]", obj.Name)
}
func (o *objectValue) Type() string          { return "Object" }
func (o *objectValue) Hash() (uint32, error) { return starlark.String(o.ref).Hash() }

func (o *objectValue) CompareSameType(op syntax.Token, y starlark.Value, _ int) (bool, error) {
	return compareRefs(op, o.ref == y.(*objectValue).ref, o, y)
}

func (o *objectValue) AttrNames() []string {
	return []string{
		"active_material", "data", "location", "modifiers", "name",
		"rotation_euler", "scale", "select_get", "select_set", "type",
	}
}

func (o *objectValue) Attr(name string) (starlark.Value, error) {
	obj, err := o.tx.object(o.ref)
	if err != nil {
		return nil, err
	}
	switch name {
	case "name":
		return starlark.String(obj.Name), nil
	case "type":
		return starlark.String(obj.Type), nil
	case "location":
		return &vectorValue{tx: o.tx, ref: o.ref, field: fieldLocation}, nil
	case "rotation_euler":
		return &vectorValue{tx: o.tx, ref: o.ref, field: fieldRotation}, nil
	case "scale":
		return &vectorValue{tx: o.tx, ref: o.ref, field: fieldScale}, nil
	case "data":
		if obj.Type != "MESH" {
			return starlark.None, nil
		}
		return &meshValue{tx: o.tx, owner: o.ref, name: obj.Name}, nil
	case "active_material":
		if len(obj.Materials) == 0 || obj.Materials[0] == scene.EmptySlot {
			return starlark.None, nil
		}
		return &materialValue{tx: o.tx, ref: obj.Materials[0]}, nil
	case "modifiers":
		return &modifiersValue{tx: o.tx, ref: o.ref}, nil
	case "select_set":
		return starlark.NewBuiltin("select_set", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var state bool
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "state", &state); err != nil {
				return nil, err
			}
			o.tx.setSelected(o.ref, state)
			return starlark.None, nil
		}), nil
	case "select_get":
		return starlark.NewBuiltin("select_get", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			return starlark.Bool(o.tx.scene.Selection().Contains(o.ref)), nil
		}), nil
	}
	return nil, nil
}

func (o *objectValue) SetField(name string, v starlark.Value) error {
	switch name {
	case "name":
		s, ok := starlark.AsString(v)
		if !ok {
			return fmt.Errorf("name: want string, got %s", v.Type())
		}
		return o.tx.modify(o.ref, func(obj *scene.Object) error {
			obj.Name = s
			return nil
		})
	case "location", "rotation_euler", "scale":
		vec, err := vec3(name, v)
		if err != nil {
			return err
		}
		return o.tx.modify(o.ref, func(obj *scene.Object) error {
			*fieldOf(obj, fieldByName[name]) = vec
			return nil
		})
	case "active_material":
		if v == starlark.None {
			return o.tx.modify(o.ref, func(obj *scene.Object) error {
				if len(obj.Materials) > 0 {
					obj.Materials[0] = scene.EmptySlot
				}
				return nil
			})
		}
		mat, ok := v.(*materialValue)
		if !ok {
			return fmt.Errorf("active_material: want Material, got %s", v.Type())
		}
		if _, err := o.tx.material(mat.ref); err != nil {
			return err
		}
		return o.tx.modify(o.ref, func(obj *scene.Object) error {
			if len(obj.Materials) == 0 {
				obj.Materials = []scene.MaterialRef{mat.ref}
			} else {
				obj.Materials[0] = mat.ref
			}
			return nil
		})
	}
	return starlark.NoSuchAttrError(fmt.Sprintf("Object has no writable attribute %q", name))
}

type vectorField int

const (
	fieldLocation vectorField = iota
	fieldRotation
	fieldScale
)

var fieldByName = map[string]vectorField{
	"location":       fieldLocation,
	"rotation_euler": fieldRotation,
	"scale":          fieldScale,
}

func fieldOf(obj *scene.Object, f vectorField) *scene.Vec3 {
	switch f {
	case fieldRotation:
		return &obj.Rotation
	case fieldScale:
		return &obj.Scale
	default:
		return &obj.Location
	}
}

var axes = map[string]int{"x": 0, "y": 1, "z": 2}

// vectorValue is a live view of an object's location, rotation or scale.
// Component writes go straight to the scene.
type vectorValue struct {
	base
	tx    *txn
	ref   scene.ObjectRef
	field vectorField
}

var (
	_ starlark.HasSetField = (*vectorValue)(nil)
	_ starlark.HasSetIndex = (*vectorValue)(nil)
	_ starlark.Iterable    = (*vectorValue)(nil)
)

func (v *vectorValue) get() scene.Vec3 {
	obj, err := v.tx.object(v.ref)
	if err != nil {
		return scene.Vec3{}
	}
	return *fieldOf(&obj, v.field)
}

func (v *vectorValue) String() string {
	c := v.get()
	return fmt.Sprintf("Vector((%g, %g, %g))", c[0], c[1], c[2])
}
func (v *vectorValue) Type() string { return "Vector" }
func (v *vectorValue) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable: %s", v.Type())
}
func (v *vectorValue) Len() int                     { return 3 }
func (v *vectorValue) Index(i int) starlark.Value   { return starlark.Float(v.get()[i]) }
func (v *vectorValue) Iterate() starlark.Iterator   { return vecTuple(v.get()).Iterate() }
func (v *vectorValue) AttrNames() []string          { return []string{"x", "y", "z"} }

func (v *vectorValue) Attr(name string) (starlark.Value, error) {
	i, ok := axes[name]
	if !ok {
		return nil, nil
	}
	return v.Index(i), nil
}

func (v *vectorValue) SetField(name string, val starlark.Value) error {
	i, ok := axes[name]
	if !ok {
		return starlark.NoSuchAttrError(fmt.Sprintf("Vector has no attribute %q", name))
	}
	return v.SetIndex(i, val)
}

func (v *vectorValue) SetIndex(i int, val starlark.Value) error {
	f, err := floatValue("vector component", val)
	if err != nil {
		return err
	}
	return v.tx.modify(v.ref, func(obj *scene.Object) error {
		fieldOf(obj, v.field)[i] = f
		return nil
	})
}

// meshValue is mesh data. It is standalone until attached to an object by
// bpy.data.objects.new; after that writes go to the owning object.
type meshValue struct {
	base
	tx        *txn
	owner     scene.ObjectRef
	name      string
	mesh      *scene.Mesh
	materials []scene.MaterialRef
}

var _ starlark.HasAttrs = (*meshValue)(nil)

func (m *meshValue) String() string        { return fmt.Sprintf("bpy.data.meshes[%q]", m.name) }
func (m *meshValue) Type() string          { return "Mesh" }
func (m *meshValue) Hash() (uint32, error) { return starlark.String(m.name).Hash() }
func (m *meshValue) AttrNames() []string {
	return []string{"from_pydata", "materials", "name", "update", "validate"}
}

func (m *meshValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(m.name), nil
	case "materials":
		return &meshMaterials{mesh: m}, nil
	case "update", "validate":
		return noop(name), nil
	case "from_pydata":
		return starlark.NewBuiltin("from_pydata", m.fromPydata), nil
	}
	return nil, nil
}

func (m *meshValue) fromPydata(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var verts, edges, faces starlark.Value = starlark.None, starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "vertices", &verts, "edges?", &edges, "faces?", &faces); err != nil {
		return nil, err
	}
	mesh := &scene.Mesh{}
	if err := eachItem(verts, func(i int, v starlark.Value) error {
		vec, err := vec3(fmt.Sprintf("vertex %d", i), v)
		mesh.Vertices = append(mesh.Vertices, vec)
		return err
	}); err != nil {
		return nil, err
	}
	if err := eachItem(edges, func(i int, v starlark.Value) error {
		idx, err := indices(fmt.Sprintf("edge %d", i), v, len(mesh.Vertices))
		if err == nil && len(idx) != 2 {
			err = fmt.Errorf("edge %d: want 2 indices, got %d", i, len(idx))
		}
		if err == nil {
			mesh.Edges = append(mesh.Edges, [2]int{idx[0], idx[1]})
		}
		return err
	}); err != nil {
		return nil, err
	}
	if err := eachItem(faces, func(i int, v starlark.Value) error {
		idx, err := indices(fmt.Sprintf("face %d", i), v, len(mesh.Vertices))
		if err == nil && len(idx) < 3 {
			err = fmt.Errorf("face %d: want at least 3 indices, got %d", i, len(idx))
		}
		mesh.Faces = append(mesh.Faces, idx)
		return err
	}); err != nil {
		return nil, err
	}

	if m.owner == "" {
		m.mesh = mesh
		return starlark.None, nil
	}
	return starlark.None, m.tx.modify(m.owner, func(obj *scene.Object) error {
		obj.Mesh = mesh
		return nil
	})
}

func eachItem(v starlark.Value, fn func(int, starlark.Value) error) error {
	if v == starlark.None {
		return nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return fmt.Errorf("want sequence, got %s", v.Type())
	}
	it := iterable.Iterate()
	defer it.Done()
	var item starlark.Value
	for i := 0; it.Next(&item); i++ {
		if err := fn(i, item); err != nil {
			return err
		}
	}
	return nil
}

func indices(what string, v starlark.Value, limit int) ([]int, error) {
	var out []int
	err := eachItem(v, func(_ int, item starlark.Value) error {
		var n int
		if err := starlark.AsInt(item, &n); err != nil {
			return fmt.Errorf("%s: %v", what, err)
		}
		if n < 0 || n >= limit {
			return fmt.Errorf("%s: vertex index %d out of range", what, n)
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

// meshMaterials is the material slot list of a mesh.
type meshMaterials struct {
	base
	mesh *meshValue
}

var _ starlark.Indexable = (*meshMaterials)(nil)

func (s *meshMaterials) String() string        { return "bpy_prop_collection(materials)" }
func (s *meshMaterials) Type() string          { return "MeshMaterials" }
func (s *meshMaterials) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", s.Type()) }
func (s *meshMaterials) AttrNames() []string   { return []string{"append", "clear"} }

func (s *meshMaterials) refs() []scene.MaterialRef {
	if s.mesh.owner == "" {
		return s.mesh.materials
	}
	obj, err := s.mesh.tx.object(s.mesh.owner)
	if err != nil {
		return nil
	}
	return obj.Materials
}

func (s *meshMaterials) Len() int { return len(s.refs()) }

func (s *meshMaterials) Index(i int) starlark.Value {
	ref := s.refs()[i]
	if ref == scene.EmptySlot {
		return starlark.None
	}
	return &materialValue{tx: s.mesh.tx, ref: ref}
}

func (s *meshMaterials) Attr(name string) (starlark.Value, error) {
	switch name {
	case "append":
		return starlark.NewBuiltin("append", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
				return nil, err
			}
			mat, ok := v.(*materialValue)
			if !ok {
				return nil, fmt.Errorf("append: want Material, got %s", v.Type())
			}
			if _, err := s.mesh.tx.material(mat.ref); err != nil {
				return nil, err
			}
			if s.mesh.owner == "" {
				s.mesh.materials = append(s.mesh.materials, mat.ref)
				return starlark.None, nil
			}
			return starlark.None, s.mesh.tx.modify(s.mesh.owner, func(obj *scene.Object) error {
				obj.Materials = append(obj.Materials, mat.ref)
				return nil
			})
		}), nil
	case "clear":
		return starlark.NewBuiltin("clear", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			if s.mesh.owner == "" {
				s.mesh.materials = nil
				return starlark.None, nil
			}
			return starlark.None, s.mesh.tx.modify(s.mesh.owner, func(obj *scene.Object) error {
				obj.Materials = nil
				return nil
			})
		}), nil
	}
	return nil, nil
}

type modifiersValue struct {
	base
	tx  *txn
	ref scene.ObjectRef
}

func (m *modifiersValue) String() string        { return "bpy_prop_collection(modifiers)" }
func (m *modifiersValue) Type() string          { return "ObjectModifiers" }
func (m *modifiersValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", m.Type()) }
func (m *modifiersValue) AttrNames() []string   { return []string{"new"} }

func (m *modifiersValue) Attr(name string) (starlark.Value, error) {
	if name != "new" {
		return nil, nil
	}
	return starlark.NewBuiltin("new", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var modName, modType string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &modName, "type", &modType); err != nil {
			return nil, err
		}
		return starlark.None, addModifier(m.tx, m.ref, modName, modType)
	}), nil
}

func addModifier(tx *txn, ref scene.ObjectRef, name, kind string) error {
	if kind == "" {
		return fmt.Errorf("modifier type must not be empty")
	}
	if name == "" {
		name = kind
	}
	return tx.modify(ref, func(obj *scene.Object) error {
		obj.Modifiers = append(obj.Modifiers, scene.Modifier{Name: name, Type: kind})
		return nil
	})
}

// materialValue is a handle on a material datablock.
type materialValue struct {
	base
	tx  *txn
	ref scene.MaterialRef
}

var (
	_ starlark.HasSetField = (*materialValue)(nil)
	_ starlark.Comparable  = (*materialValue)(nil)
)

func (m *materialValue) String() string {
	mat, err := m.tx.material(m.ref)
	if err != nil {
		return `bpy.data.materials[<removed>]`
	}
	return fmt.Sprintf("bpy.data.materials[%q]", mat.Name)
}
func (m *materialValue) Type() string          { return "Material" }
func (m *materialValue) Hash() (uint32, error) { return starlark.String(m.ref).Hash() }

func (m *materialValue) CompareSameType(op syntax.Token, y starlark.Value, _ int) (bool, error) {
	return compareRefs(op, m.ref == y.(*materialValue).ref, m, y)
}

func (m *materialValue) AttrNames() []string {
	return []string{"diffuse_color", "metallic", "name", "node_tree", "roughness", "use_nodes"}
}

func (m *materialValue) Attr(name string) (starlark.Value, error) {
	mat, err := m.tx.material(m.ref)
	if err != nil {
		return nil, err
	}
	switch name {
	case "name":
		return starlark.String(mat.Name), nil
	case "diffuse_color":
		c := mat.Color
		return starlark.Tuple{starlark.Float(c[0]), starlark.Float(c[1]), starlark.Float(c[2]), starlark.Float(c[3])}, nil
	case "metallic":
		return starlark.Float(mat.Metallic), nil
	case "roughness":
		return starlark.Float(mat.Roughness), nil
	case "use_nodes":
		return starlark.True, nil
	case "node_tree":
		return &nodeTree{tx: m.tx, ref: m.ref}, nil
	}
	return nil, nil
}

func (m *materialValue) SetField(name string, v starlark.Value) error {
	switch name {
	case "name":
		s, ok := starlark.AsString(v)
		if !ok {
			return fmt.Errorf("name: want string, got %s", v.Type())
		}
		return m.tx.modifyMaterial(m.ref, func(mat *scene.Material) error {
			mat.Name = s
			return nil
		})
	case "diffuse_color":
		return setColor(m.tx, m.ref, v)
	case "metallic", "roughness":
		return setScalar(m.tx, m.ref, name, v)
	case "use_nodes":
		if _, ok := v.(starlark.Bool); !ok {
			return fmt.Errorf("use_nodes: want bool, got %s", v.Type())
		}
		return nil
	}
	return starlark.NoSuchAttrError(fmt.Sprintf("Material has no writable attribute %q", name))
}

func setColor(tx *txn, ref scene.MaterialRef, v starlark.Value) error {
	c, err := floats("color", v, 3, 4)
	if err != nil {
		return err
	}
	return tx.modifyMaterial(ref, func(mat *scene.Material) error {
		mat.Color = [4]float64{c[0], c[1], c[2], 1}
		if len(c) == 4 {
			mat.Color[3] = c[3]
		}
		return nil
	})
}

func setScalar(tx *txn, ref scene.MaterialRef, name string, v starlark.Value) error {
	f, err := floatValue(name, v)
	if err != nil {
		return err
	}
	return tx.modifyMaterial(ref, func(mat *scene.Material) error {
		if name == "metallic" {
			mat.Metallic = f
		} else {
			mat.Roughness = f
		}
		return nil
	})
}

// The node tree exposes the principled shader inputs that map onto the
// material's own fields.
const principledNode = "Principled BSDF"

type nodeTree struct {
	base
	tx  *txn
	ref scene.MaterialRef
}

func (n *nodeTree) String() string        { return "bpy.types.ShaderNodeTree" }
func (n *nodeTree) Type() string          { return "NodeTree" }
func (n *nodeTree) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", n.Type()) }
func (n *nodeTree) AttrNames() []string   { return []string{"nodes"} }

func (n *nodeTree) Attr(name string) (starlark.Value, error) {
	if name != "nodes" {
		return nil, nil
	}
	return &nodesValue{tree: n}, nil
}

type nodesValue struct {
	base
	tree *nodeTree
}

var _ starlark.Mapping = (*nodesValue)(nil)

func (n *nodesValue) String() string        { return "bpy_prop_collection(nodes)" }
func (n *nodesValue) Type() string          { return "Nodes" }
func (n *nodesValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", n.Type()) }
func (n *nodesValue) AttrNames() []string   { return []string{"get"} }

func (n *nodesValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	if s, ok := starlark.AsString(k); ok && s == principledNode {
		return &shaderNode{tree: n.tree}, true, nil
	}
	return nil, false, nil
}

func (n *nodesValue) Attr(name string) (starlark.Value, error) {
	if name != "get" {
		return nil, nil
	}
	return starlark.NewBuiltin("get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key); err != nil {
			return nil, err
		}
		v, found, err := n.Get(key)
		if err != nil || !found {
			return starlark.None, err
		}
		return v, nil
	}), nil
}

type shaderNode struct {
	base
	tree *nodeTree
}

func (s *shaderNode) String() string        { return "bpy.types.ShaderNodeBsdfPrincipled" }
func (s *shaderNode) Type() string          { return "ShaderNode" }
func (s *shaderNode) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", s.Type()) }
func (s *shaderNode) AttrNames() []string   { return []string{"inputs"} }

func (s *shaderNode) Attr(name string) (starlark.Value, error) {
	if name != "inputs" {
		return nil, nil
	}
	return &shaderInputs{tree: s.tree}, nil
}

type shaderInputs struct {
	base
	tree *nodeTree
}

var _ starlark.Mapping = (*shaderInputs)(nil)

func (s *shaderInputs) String() string        { return "bpy_prop_collection(inputs)" }
func (s *shaderInputs) Type() string          { return "NodeInputs" }
func (s *shaderInputs) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", s.Type()) }
func (s *shaderInputs) AttrNames() []string   { return nil }
func (s *shaderInputs) Attr(string) (starlark.Value, error) {
	return nil, nil
}

func (s *shaderInputs) Get(k starlark.Value) (starlark.Value, bool, error) {
	name, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("inputs: want string key, got %s", k.Type())
	}
	return &shaderSocket{tree: s.tree, name: name}, true, nil
}

// shaderSocket is one shader input. Inputs without a material field accept
// writes and keep nothing.
type shaderSocket struct {
	base
	tree *nodeTree
	name string
}

var _ starlark.HasSetField = (*shaderSocket)(nil)

func (s *shaderSocket) String() string        { return fmt.Sprintf("NodeSocket(%q)", s.name) }
func (s *shaderSocket) Type() string          { return "NodeSocket" }
func (s *shaderSocket) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", s.Type()) }
func (s *shaderSocket) AttrNames() []string   { return []string{"default_value"} }

func (s *shaderSocket) Attr(name string) (starlark.Value, error) {
	if name != "default_value" {
		return nil, nil
	}
	mat := &materialValue{tx: s.tree.tx, ref: s.tree.ref}
	switch s.name {
	case "Base Color":
		return mat.Attr("diffuse_color")
	case "Metallic":
		return mat.Attr("metallic")
	case "Roughness":
		return mat.Attr("roughness")
	}
	return starlark.Float(0), nil
}

func (s *shaderSocket) SetField(name string, v starlark.Value) error {
	if name != "default_value" {
		return starlark.NoSuchAttrError(fmt.Sprintf("NodeSocket has no attribute %q", name))
	}
	switch s.name {
	case "Base Color":
		return setColor(s.tree.tx, s.tree.ref, v)
	case "Metallic":
		return setScalar(s.tree.tx, s.tree.ref, "metallic", v)
	case "Roughness":
		return setScalar(s.tree.tx, s.tree.ref, "roughness", v)
	}
	return s.tree.tx.modifyMaterial(s.tree.ref, func(*scene.Material) error { return nil })
}

package executor

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"scenegen/internal/scene"
)

type primitive struct {
	name string
	kind string
}

var primitives = map[string]primitive{
	"primitive_cube_add":       {name: "Cube", kind: "cube"},
	"primitive_uv_sphere_add":  {name: "Sphere", kind: "uv_sphere"},
	"primitive_ico_sphere_add": {name: "Icosphere", kind: "ico_sphere"},
	"primitive_cylinder_add":   {name: "Cylinder", kind: "cylinder"},
	"primitive_cone_add":       {name: "Cone", kind: "cone"},
	"primitive_torus_add":      {name: "Torus", kind: "torus"},
	"primitive_plane_add":      {name: "Plane", kind: "plane"},
	"primitive_circle_add":     {name: "Circle", kind: "circle"},
	"primitive_grid_add":       {name: "Grid", kind: "grid"},
	"primitive_monkey_add":     {name: "Suzanne", kind: "monkey"},
}

// newBPY builds the bpy module for one run. It is the only way a script can
// reach the scene.
func newBPY(tx *txn) *starlarkstruct.Module {
	mesh := starlark.StringDict{}
	for op, prim := range primitives {
		mesh[op] = starlark.NewBuiltin("bpy.ops.mesh."+op, primitiveOp(tx, prim))
	}

	object := starlark.StringDict{
		"select_all":   starlark.NewBuiltin("bpy.ops.object.select_all", selectAllOp(tx)),
		"delete":       starlark.NewBuiltin("bpy.ops.object.delete", deleteOp(tx)),
		"shade_smooth": starlark.NewBuiltin("bpy.ops.object.shade_smooth", shadeOp(tx, true)),
		"shade_flat":   starlark.NewBuiltin("bpy.ops.object.shade_flat", shadeOp(tx, false)),
		"modifier_add": starlark.NewBuiltin("bpy.ops.object.modifier_add", modifierAddOp(tx)),
		"mode_set":     starlark.NewBuiltin("bpy.ops.object.mode_set", modeSetOp),
	}

	transform := starlark.StringDict{
		"translate": starlark.NewBuiltin("bpy.ops.transform.translate", transformOp(tx, translate)),
		"resize":    starlark.NewBuiltin("bpy.ops.transform.resize", transformOp(tx, resize)),
		"rotate":    starlark.NewBuiltin("bpy.ops.transform.rotate", rotateOp(tx)),
	}

	ops := &starlarkstruct.Module{Name: "bpy.ops", Members: starlark.StringDict{
		"mesh":      &starlarkstruct.Module{Name: "bpy.ops.mesh", Members: mesh},
		"object":    &starlarkstruct.Module{Name: "bpy.ops.object", Members: object},
		"transform": &starlarkstruct.Module{Name: "bpy.ops.transform", Members: transform},
	}}

	data := &starlarkstruct.Module{Name: "bpy.data", Members: starlark.StringDict{
		"objects":   &objectsCollection{tx: tx},
		"materials": &materialsCollection{tx: tx},
		"meshes": &starlarkstruct.Module{Name: "bpy.data.meshes", Members: starlark.StringDict{
			"new": starlark.NewBuiltin("bpy.data.meshes.new", newMesh(tx)),
		}},
	}}

	return &starlarkstruct.Module{Name: "bpy", Members: starlark.StringDict{
		"ops":     ops,
		"data":    data,
		"context": &contextValue{tx: tx},
	}}
}

type builtinFn = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func primitiveOp(tx *txn, prim primitive) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		kw, err := keywords(b.Name(), args, kwargs)
		if err != nil {
			return nil, err
		}
		obj := scene.Object{
			Name:      prim.name,
			Type:      "MESH",
			Primitive: prim.kind,
			Scale:     scene.Vec3{1, 1, 1},
			Params:    map[string]float64{},
		}
		for key, v := range kw {
			switch key {
			case "location":
				obj.Location, err = vec3(key, v)
			case "rotation":
				obj.Rotation, err = vec3(key, v)
			case "scale":
				obj.Scale, err = vec3(key, v)
			default:
				// Flags such as align or enter_editmode carry no geometry.
				if f, ok := starlark.AsFloat(v); ok {
					obj.Params[key] = f
				}
			}
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
		}
		if len(obj.Params) == 0 {
			obj.Params = nil
		}
		added, err := tx.addObject(obj)
		if err != nil {
			return nil, err
		}
		tx.selectOnly(added.Ref)
		return finished(), nil
	}
}

func selectAllOp(tx *txn) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		kw, err := keywords(b.Name(), args, kwargs)
		if err != nil {
			return nil, err
		}
		action, err := stringKeyword(kw, "action", "TOGGLE")
		if err != nil {
			return nil, err
		}
		sel := tx.scene.Selection()
		all := tx.scene.ObjectRefs()
		switch strings.ToUpper(action) {
		case "SELECT":
			sel.Selected = all
		case "DESELECT":
			sel.Selected = nil
		case "TOGGLE":
			if len(sel.Selected) > 0 {
				sel.Selected = nil
			} else {
				sel.Selected = all
			}
		case "INVERT":
			var inverted []scene.ObjectRef
			for _, ref := range all {
				if !sel.Contains(ref) {
					inverted = append(inverted, ref)
				}
			}
			sel.Selected = inverted
		default:
			return nil, fmt.Errorf("%s: unknown action %q", b.Name(), action)
		}
		tx.scene.SetSelection(sel)
		return finished(), nil
	}
}

// deleteOp removes the selected objects. Selecting anything from before the
// run makes the whole operator fail without removing anything.
func deleteOp(tx *txn) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if _, err := keywords(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		selected := tx.selected()
		for _, ref := range selected {
			if _, err := tx.mutable(ref); err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
		}
		for _, ref := range selected {
			if err := tx.removeObject(ref); err != nil {
				return nil, err
			}
		}
		return finished(), nil
	}
}

func shadeOp(tx *txn, smooth bool) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if _, err := keywords(b.Name(), args, kwargs); err != nil {
			return nil, err
		}
		return eachSelected(tx, b.Name(), func(obj *scene.Object) error {
			obj.Smooth = smooth
			return nil
		})
	}
}

func modifierAddOp(tx *txn) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		kw, err := keywords(b.Name(), args, kwargs)
		if err != nil {
			return nil, err
		}
		kind, err := stringKeyword(kw, "type", "")
		if err != nil {
			return nil, err
		}
		active := tx.scene.Selection().Active
		if active == "" {
			return nil, fmt.Errorf("%s: no active object", b.Name())
		}
		if err := addModifier(tx, active, "", kind); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return finished(), nil
	}
}

func modeSetOp(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	kw, err := keywords(b.Name(), args, kwargs)
	if err != nil {
		return nil, err
	}
	mode, err := stringKeyword(kw, "mode", "OBJECT")
	if err != nil {
		return nil, err
	}
	if mode != "OBJECT" {
		return nil, fmt.Errorf("%s: only OBJECT mode is available", b.Name())
	}
	return finished(), nil
}

func translate(obj *scene.Object, v scene.Vec3) {
	for i := range obj.Location {
		obj.Location[i] += v[i]
	}
}

func resize(obj *scene.Object, v scene.Vec3) {
	for i := range obj.Scale {
		obj.Scale[i] *= v[i]
	}
}

func transformOp(tx *txn, apply func(*scene.Object, scene.Vec3)) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		kw, err := keywords(b.Name(), args, kwargs)
		if err != nil {
			return nil, err
		}
		raw, ok := kw["value"]
		if !ok {
			return nil, fmt.Errorf("%s: missing value", b.Name())
		}
		v, err := vec3(b.Name(), raw)
		if err != nil {
			return nil, err
		}
		return eachSelected(tx, b.Name(), func(obj *scene.Object) error {
			apply(obj, v)
			return nil
		})
	}
}

func rotateOp(tx *txn) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		kw, err := keywords(b.Name(), args, kwargs)
		if err != nil {
			return nil, err
		}
		raw, ok := kw["value"]
		if !ok {
			return nil, fmt.Errorf("%s: missing value", b.Name())
		}
		angle, err := floatValue(b.Name(), raw)
		if err != nil {
			return nil, err
		}
		axis, err := stringKeyword(kw, "orient_axis", "Z")
		if err != nil {
			return nil, err
		}
		i, ok := axes[strings.ToLower(axis)]
		if !ok {
			return nil, fmt.Errorf("%s: unknown axis %q", b.Name(), axis)
		}
		return eachSelected(tx, b.Name(), func(obj *scene.Object) error {
			obj.Rotation[i] += angle
			return nil
		})
	}
}

// eachSelected applies fn to every selected object, failing before any
// change if one of them is out of scope.
func eachSelected(tx *txn, name string, fn func(*scene.Object) error) (starlark.Value, error) {
	selected := tx.selected()
	for _, ref := range selected {
		if _, err := tx.mutable(ref); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	for _, ref := range selected {
		if err := tx.modify(ref, fn); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return finished(), nil
}

func newMesh(tx *txn) builtinFn {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		return &meshValue{tx: tx, name: name}, nil
	}
}

// objectsCollection is bpy.data.objects.
type objectsCollection struct {
	base
	tx *txn
}

var (
	_ starlark.HasAttrs = (*objectsCollection)(nil)
	_ starlark.Mapping  = (*objectsCollection)(nil)
	_ starlark.Sequence = (*objectsCollection)(nil)
)

func (c *objectsCollection) String() string        { return "bpy.data.objects" }
func (c *objectsCollection) Type() string          { return "BlendDataObjects" }
func (c *objectsCollection) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", c.Type()) }
func (c *objectsCollection) AttrNames() []string   { return []string{"get", "new", "remove"} }
func (c *objectsCollection) Len() int              { return len(c.tx.scene.ObjectRefs()) }

func (c *objectsCollection) Iterate() starlark.Iterator {
	return objectList(c.tx, c.tx.scene.ObjectRefs()).Iterate()
}

func (c *objectsCollection) Get(k starlark.Value) (starlark.Value, bool, error) {
	name, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("objects: want string key, got %s", k.Type())
	}
	obj, ok := c.tx.scene.FindObject(name)
	if !ok {
		return nil, false, nil
	}
	return &objectValue{tx: c.tx, ref: obj.Ref}, true, nil
}

func (c *objectsCollection) Attr(name string) (starlark.Value, error) {
	switch name {
	case "get":
		return starlark.NewBuiltin("bpy.data.objects.get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key); err != nil {
				return nil, err
			}
			v, found, err := c.Get(starlark.String(key))
			if err != nil || !found {
				return starlark.None, err
			}
			return v, nil
		}), nil
	case "new":
		return starlark.NewBuiltin("bpy.data.objects.new", c.newObject), nil
	case "remove":
		return starlark.NewBuiltin("bpy.data.objects.remove", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			var unlink bool
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "object", &v, "do_unlink?", &unlink); err != nil {
				return nil, err
			}
			obj, ok := v.(*objectValue)
			if !ok {
				return nil, fmt.Errorf("%s: want Object, got %s", b.Name(), v.Type())
			}
			return starlark.None, c.tx.removeObject(obj.ref)
		}), nil
	}
	return nil, nil
}

func (c *objectsCollection) newObject(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var data starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "object_data", &data); err != nil {
		return nil, err
	}
	obj := scene.Object{Name: name, Type: "EMPTY", Scale: scene.Vec3{1, 1, 1}}
	var mesh *meshValue
	if data != starlark.None {
		var ok bool
		if mesh, ok = data.(*meshValue); !ok {
			return nil, fmt.Errorf("%s: object_data must be a Mesh or None, got %s", b.Name(), data.Type())
		}
		obj.Type = "MESH"
		obj.Materials = append([]scene.MaterialRef(nil), mesh.materials...)
		if mesh.mesh != nil {
			m := *mesh.mesh
			obj.Mesh = &m
		} else if mesh.owner != "" {
			if owner, err := c.tx.object(mesh.owner); err == nil {
				obj.Mesh = owner.Mesh
				obj.Materials = owner.Materials
			}
		}
	}
	added, err := c.tx.addObject(obj)
	if err != nil {
		return nil, err
	}
	if mesh != nil && mesh.owner == "" {
		mesh.owner = added.Ref
		mesh.mesh = nil
		mesh.materials = nil
	}
	return &objectValue{tx: c.tx, ref: added.Ref}, nil
}

func objectList(tx *txn, refs []scene.ObjectRef) *starlark.List {
	elems := make([]starlark.Value, 0, len(refs))
	for _, ref := range refs {
		elems = append(elems, &objectValue{tx: tx, ref: ref})
	}
	return starlark.NewList(elems)
}

// materialsCollection is bpy.data.materials.
type materialsCollection struct {
	base
	tx *txn
}

var (
	_ starlark.HasAttrs = (*materialsCollection)(nil)
	_ starlark.Mapping  = (*materialsCollection)(nil)
	_ starlark.Sequence = (*materialsCollection)(nil)
)

func (c *materialsCollection) String() string        { return "bpy.data.materials" }
func (c *materialsCollection) Type() string          { return "BlendDataMaterials" }
func (c *materialsCollection) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", c.Type()) }
func (c *materialsCollection) AttrNames() []string   { return []string{"get", "new", "remove"} }
func (c *materialsCollection) Len() int              { return len(c.tx.scene.MaterialRefs()) }

func (c *materialsCollection) Iterate() starlark.Iterator {
	refs := c.tx.scene.MaterialRefs()
	elems := make([]starlark.Value, 0, len(refs))
	for _, ref := range refs {
		elems = append(elems, &materialValue{tx: c.tx, ref: ref})
	}
	return starlark.NewList(elems).Iterate()
}

func (c *materialsCollection) find(name string) (scene.MaterialRef, bool) {
	for _, ref := range c.tx.scene.MaterialRefs() {
		if mat, ok := c.tx.scene.Material(ref); ok && mat.Name == name {
			return ref, true
		}
	}
	return "", false
}

func (c *materialsCollection) Get(k starlark.Value) (starlark.Value, bool, error) {
	name, ok := starlark.AsString(k)
	if !ok {
		return nil, false, fmt.Errorf("materials: want string key, got %s", k.Type())
	}
	ref, ok := c.find(name)
	if !ok {
		return nil, false, nil
	}
	return &materialValue{tx: c.tx, ref: ref}, true, nil
}

func (c *materialsCollection) Attr(name string) (starlark.Value, error) {
	switch name {
	case "get":
		return starlark.NewBuiltin("bpy.data.materials.get", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var key string
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key); err != nil {
				return nil, err
			}
			v, found, err := c.Get(starlark.String(key))
			if err != nil || !found {
				return starlark.None, err
			}
			return v, nil
		}), nil
	case "new":
		return starlark.NewBuiltin("bpy.data.materials.new", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var matName string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &matName); err != nil {
				return nil, err
			}
			mat, err := c.tx.addMaterial(scene.Material{
				Name:      matName,
				Color:     [4]float64{0.8, 0.8, 0.8, 1},
				Roughness: 0.5,
			})
			if err != nil {
				return nil, err
			}
			return &materialValue{tx: c.tx, ref: mat.Ref}, nil
		}), nil
	case "remove":
		return starlark.NewBuiltin("bpy.data.materials.remove", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
				return nil, err
			}
			mat, ok := v.(*materialValue)
			if !ok {
				return nil, fmt.Errorf("%s: want Material, got %s", b.Name(), v.Type())
			}
			return starlark.None, c.tx.removeMaterial(mat.ref)
		}), nil
	}
	return nil, nil
}

// contextValue is bpy.context. Every attribute reads the scene at access time.
type contextValue struct {
	base
	tx *txn
}

func (c *contextValue) String() string        { return "bpy.context" }
func (c *contextValue) Type() string          { return "Context" }
func (c *contextValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", c.Type()) }

func (c *contextValue) AttrNames() []string {
	return []string{"active_object", "collection", "object", "scene", "selected_objects", "view_layer"}
}

func (c *contextValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "active_object", "object":
		return activeObject(c.tx), nil
	case "selected_objects":
		return objectList(c.tx, c.tx.selected()), nil
	case "collection":
		return &collectionValue{tx: c.tx}, nil
	case "scene":
		return &starlarkstruct.Module{Name: "bpy.context.scene", Members: starlark.StringDict{
			"objects":    &objectsCollection{tx: c.tx},
			"collection": &collectionValue{tx: c.tx},
		}}, nil
	case "view_layer":
		return &starlarkstruct.Module{Name: "bpy.context.view_layer", Members: starlark.StringDict{
			"objects": &layerObjects{tx: c.tx},
			"update":  noop("update"),
		}}, nil
	}
	return nil, nil
}

func activeObject(tx *txn) starlark.Value {
	ref := tx.scene.Selection().Active
	if ref == "" {
		return starlark.None
	}
	return &objectValue{tx: tx, ref: ref}
}

// collectionValue is the scene collection. New objects are already in the
// scene, so linking only checks the argument.
type collectionValue struct {
	base
	tx *txn
}

func (c *collectionValue) String() string        { return "bpy.data.collections[\"Collection\"]" }
func (c *collectionValue) Type() string          { return "Collection" }
func (c *collectionValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", c.Type()) }
func (c *collectionValue) AttrNames() []string   { return []string{"objects"} }

func (c *collectionValue) Attr(name string) (starlark.Value, error) {
	if name != "objects" {
		return nil, nil
	}
	link := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
			return nil, err
		}
		obj, ok := v.(*objectValue)
		if !ok {
			return nil, fmt.Errorf("%s: want Object, got %s", b.Name(), v.Type())
		}
		if _, err := c.tx.mutable(obj.ref); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.None, nil
	}
	return &starlarkstruct.Module{Name: "objects", Members: starlark.StringDict{
		"link":   starlark.NewBuiltin("link", link),
		"unlink": starlark.NewBuiltin("unlink", link),
	}}, nil
}

// layerObjects is bpy.context.view_layer.objects; its active field moves
// the active object.
type layerObjects struct {
	base
	tx *txn
}

var _ starlark.HasSetField = (*layerObjects)(nil)

func (l *layerObjects) String() string        { return "bpy.context.view_layer.objects" }
func (l *layerObjects) Type() string          { return "LayerObjects" }
func (l *layerObjects) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", l.Type()) }
func (l *layerObjects) AttrNames() []string   { return []string{"active"} }

func (l *layerObjects) Attr(name string) (starlark.Value, error) {
	if name != "active" {
		return nil, nil
	}
	return activeObject(l.tx), nil
}

func (l *layerObjects) SetField(name string, v starlark.Value) error {
	if name != "active" {
		return starlark.NoSuchAttrError(fmt.Sprintf("LayerObjects has no attribute %q", name))
	}
	if v == starlark.None {
		l.tx.setActive("")
		return nil
	}
	obj, ok := v.(*objectValue)
	if !ok {
		return fmt.Errorf("active: want Object, got %s", v.Type())
	}
	if _, err := l.tx.object(obj.ref); err != nil {
		return err
	}
	l.tx.setActive(obj.ref)
	return nil
}

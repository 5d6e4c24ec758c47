package scene

import (
	"errors"
	"time"
)

var (
	// ErrObjectNotFound indicates the referenced object is not in the scene.
	ErrObjectNotFound = errors.New("object not found")
	// ErrMaterialNotFound indicates the referenced material is not in the scene.
	ErrMaterialNotFound = errors.New("material not found")
	// ErrCollectionExists indicates a collection with the same name already exists.
	ErrCollectionExists = errors.New("collection already exists")
	// ErrCollectionNotFound indicates the named collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")
)

// ObjectRef is an opaque identifier issued by the scene.
type ObjectRef string

// MaterialRef is an opaque identifier for a material datablock.
type MaterialRef string

// EmptySlot marks a material slot that holds no material.
const EmptySlot MaterialRef = ""

// Vec3 is a location, rotation (radians) or scale triple.
type Vec3 [3]float64

// Mesh is raw geometry attached to an object.
type Mesh struct {
	Vertices []Vec3   `json:"vertices,omitempty"`
	Edges    [][2]int `json:"edges,omitempty"`
	Faces    [][]int  `json:"faces,omitempty"`
}

// Modifier is a named modifier on an object's stack.
type Modifier struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Object is a scene object. Primitive records the generator that produced
// the geometry when the object was created from a primitive operator.
type Object struct {
	Ref       ObjectRef          `json:"ref"`
	Name      string             `json:"name"`
	Type      string             `json:"type"`
	Primitive string             `json:"primitive,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
	Location  Vec3               `json:"location"`
	Rotation  Vec3               `json:"rotation"`
	Scale     Vec3               `json:"scale"`
	Mesh      *Mesh              `json:"mesh,omitempty"`
	Materials []MaterialRef      `json:"materials,omitempty"`
	Smooth    bool               `json:"smooth"`
	Modifiers []Modifier         `json:"modifiers,omitempty"`
}

// Material is a surface definition that objects can reference.
type Material struct {
	Ref       MaterialRef `json:"ref"`
	Name      string      `json:"name"`
	Color     [4]float64  `json:"color"`
	Metallic  float64     `json:"metallic"`
	Roughness float64     `json:"roughness"`
}

// Selection is the scene's selection state.
type Selection struct {
	Selected []ObjectRef `json:"selected"`
	Active   ObjectRef   `json:"active,omitempty"`
}

// GeneratedCollection groups the objects produced by one generation.
type GeneratedCollection struct {
	Name      string      `json:"name"`
	Members   []ObjectRef `json:"members"`
	CreatedAt time.Time   `json:"created_at"`
}

// Snapshot is a deep copy of the whole scene state in a stable order.
type Snapshot struct {
	Objects     []Object              `json:"objects"`
	Materials   []Material            `json:"materials"`
	Collections []GeneratedCollection `json:"collections"`
	Selection   Selection             `json:"selection"`
}

// Scene is the live authoring session the pipeline writes into. Every
// method must be safe for concurrent use.
type Scene interface {
	ObjectRefs() []ObjectRef
	Object(ref ObjectRef) (Object, bool)
	FindObject(name string) (Object, bool)
	AddObject(obj Object) (Object, error)
	UpdateObject(obj Object) error
	RemoveObject(ref ObjectRef) error

	MaterialRefs() []MaterialRef
	Material(ref MaterialRef) (Material, bool)
	AddMaterial(mat Material) (Material, error)
	UpdateMaterial(mat Material) error
	RemoveMaterial(ref MaterialRef) error

	Selection() Selection
	SetSelection(sel Selection)

	HasCollection(name string) bool
	CreateCollection(name string, createdAt time.Time) error
	LinkObjects(name string, refs []ObjectRef) (GeneratedCollection, error)
	Collection(name string) (GeneratedCollection, bool)
	RemoveCollection(name string) error

	Snapshot() Snapshot
}

func (o Object) clone() Object {
	out := o
	if o.Params != nil {
		out.Params = make(map[string]float64, len(o.Params))
		for k, v := range o.Params {
			out.Params[k] = v
		}
	}
	if o.Mesh != nil {
		m := Mesh{
			Vertices: append([]Vec3(nil), o.Mesh.Vertices...),
			Edges:    append([][2]int(nil), o.Mesh.Edges...),
		}
		for _, f := range o.Mesh.Faces {
			m.Faces = append(m.Faces, append([]int(nil), f...))
		}
		out.Mesh = &m
	}
	out.Materials = append([]MaterialRef(nil), o.Materials...)
	out.Modifiers = append([]Modifier(nil), o.Modifiers...)
	return out
}

func (s Selection) clone() Selection {
	return Selection{
		Selected: append([]ObjectRef(nil), s.Selected...),
		Active:   s.Active,
	}
}

// Contains reports whether ref is selected.
func (s Selection) Contains(ref ObjectRef) bool {
	for _, r := range s.Selected {
		if r == ref {
			return true
		}
	}
	return false
}

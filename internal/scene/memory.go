package scene

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var numberedName = regexp.MustCompile(`^(.*)\.(\d{3,})$`)

// Memory is an in-process Scene. Objects, materials and collections keep
// insertion order so snapshots are stable.
type Memory struct {
	mu sync.RWMutex

	objects  map[ObjectRef]Object
	objOrder []ObjectRef

	materials map[MaterialRef]Material
	matOrder  []MaterialRef

	collections map[string]*GeneratedCollection
	colOrder    []string

	selection Selection
}

// NewMemory constructs an empty scene.
func NewMemory() *Memory {
	return &Memory{
		objects:     make(map[ObjectRef]Object),
		materials:   make(map[MaterialRef]Material),
		collections: make(map[string]*GeneratedCollection),
	}
}

func (m *Memory) ObjectRefs() []ObjectRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ObjectRef(nil), m.objOrder...)
}

func (m *Memory) Object(ref ObjectRef) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[ref]
	if !ok {
		return Object{}, false
	}
	return obj.clone(), true
}

func (m *Memory) FindObject(name string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ref := range m.objOrder {
		if obj := m.objects[ref]; obj.Name == name {
			return obj.clone(), true
		}
	}
	return Object{}, false
}

// AddObject stores obj under a fresh reference. The name is made unique the
// way the authoring host does it: "Cube", "Cube.001", "Cube.002".
func (m *Memory) AddObject(obj Object) (Object, error) {
	if strings.TrimSpace(obj.Name) == "" {
		return Object{}, errors.New("object name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	obj = obj.clone()
	obj.Ref = ObjectRef(uuid.NewString())
	obj.Name = m.uniqueObjectNameLocked(obj.Name, "")
	if obj.Type == "" {
		obj.Type = "MESH"
	}
	for _, mat := range obj.Materials {
		if _, ok := m.materials[mat]; !ok && mat != EmptySlot {
			return Object{}, fmt.Errorf("%w: %s", ErrMaterialNotFound, mat)
		}
	}

	m.objects[obj.Ref] = obj
	m.objOrder = append(m.objOrder, obj.Ref)
	return obj.clone(), nil
}

// UpdateObject replaces the stored state of an existing object. Renames are
// deduplicated against the other objects.
func (m *Memory) UpdateObject(obj Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.objects[obj.Ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, obj.Ref)
	}
	for _, mat := range obj.Materials {
		if _, ok := m.materials[mat]; !ok && mat != EmptySlot {
			return fmt.Errorf("%w: %s", ErrMaterialNotFound, mat)
		}
	}

	obj = obj.clone()
	if obj.Name != current.Name {
		if strings.TrimSpace(obj.Name) == "" {
			return errors.New("object name must not be empty")
		}
		obj.Name = m.uniqueObjectNameLocked(obj.Name, obj.Ref)
	}
	m.objects[obj.Ref] = obj
	return nil
}

// RemoveObject deletes the object and unlinks it from selection and
// collections.
func (m *Memory) RemoveObject(ref ObjectRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, ref)
	}
	delete(m.objects, ref)
	m.objOrder = removeRef(m.objOrder, ref)

	m.selection.Selected = removeRef(m.selection.Selected, ref)
	if m.selection.Active == ref {
		m.selection.Active = ""
	}
	for _, col := range m.collections {
		col.Members = removeRef(col.Members, ref)
	}
	return nil
}

func (m *Memory) MaterialRefs() []MaterialRef {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MaterialRef(nil), m.matOrder...)
}

func (m *Memory) Material(ref MaterialRef) (Material, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mat, ok := m.materials[ref]
	return mat, ok
}

func (m *Memory) AddMaterial(mat Material) (Material, error) {
	if strings.TrimSpace(mat.Name) == "" {
		return Material{}, errors.New("material name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mat.Ref = MaterialRef(uuid.NewString())
	mat.Name = uniqueName(mat.Name, func(candidate string) bool {
		for _, existing := range m.materials {
			if existing.Name == candidate {
				return true
			}
		}
		return false
	})
	m.materials[mat.Ref] = mat
	m.matOrder = append(m.matOrder, mat.Ref)
	return mat, nil
}

func (m *Memory) UpdateMaterial(mat Material) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.materials[mat.Ref]; !ok {
		return fmt.Errorf("%w: %s", ErrMaterialNotFound, mat.Ref)
	}
	m.materials[mat.Ref] = mat
	return nil
}

// RemoveMaterial deletes the material and clears any object slots using it.
func (m *Memory) RemoveMaterial(ref MaterialRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.materials[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrMaterialNotFound, ref)
	}
	delete(m.materials, ref)
	m.matOrder = removeRef(m.matOrder, ref)

	for objRef, obj := range m.objects {
		if kept := removeRef(obj.Materials, ref); len(kept) != len(obj.Materials) {
			obj.Materials = kept
			m.objects[objRef] = obj
		}
	}
	return nil
}

func (m *Memory) Selection() Selection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selection.clone()
}

// SetSelection replaces the selection. References to unknown objects are
// dropped.
func (m *Memory) SetSelection(sel Selection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := Selection{}
	for _, ref := range sel.Selected {
		if _, ok := m.objects[ref]; ok && !next.Contains(ref) {
			next.Selected = append(next.Selected, ref)
		}
	}
	if _, ok := m.objects[sel.Active]; ok {
		next.Active = sel.Active
	}
	m.selection = next
}

func (m *Memory) HasCollection(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok
}

func (m *Memory) CreateCollection(name string, createdAt time.Time) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("collection name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[name]; exists {
		return fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}
	m.collections[name] = &GeneratedCollection{Name: name, CreatedAt: createdAt}
	m.colOrder = append(m.colOrder, name)
	return nil
}

// LinkObjects adds refs to the collection. Objects already linked are left
// as they are, so linking is idempotent.
func (m *Memory) LinkObjects(name string, refs []ObjectRef) (GeneratedCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.collections[name]
	if !ok {
		return GeneratedCollection{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	for _, ref := range refs {
		if _, ok := m.objects[ref]; !ok {
			return GeneratedCollection{}, fmt.Errorf("%w: %s", ErrObjectNotFound, ref)
		}
	}
	for _, ref := range refs {
		if !containsRef(col.Members, ref) {
			col.Members = append(col.Members, ref)
		}
	}
	return cloneCollection(*col), nil
}

func (m *Memory) Collection(name string) (GeneratedCollection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[name]
	if !ok {
		return GeneratedCollection{}, false
	}
	return cloneCollection(*col), true
}

// RemoveCollection deletes the collection. Its members stay in the scene.
func (m *Memory) RemoveCollection(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.collections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	delete(m.collections, name)
	m.colOrder = removeRef(m.colOrder, name)
	return nil
}

func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Selection: m.selection.clone()}
	for _, ref := range m.objOrder {
		snap.Objects = append(snap.Objects, m.objects[ref].clone())
	}
	for _, ref := range m.matOrder {
		snap.Materials = append(snap.Materials, m.materials[ref])
	}
	for _, name := range m.colOrder {
		snap.Collections = append(snap.Collections, cloneCollection(*m.collections[name]))
	}
	return snap
}

func (m *Memory) uniqueObjectNameLocked(name string, self ObjectRef) string {
	return uniqueName(name, func(candidate string) bool {
		for ref, existing := range m.objects {
			if ref != self && existing.Name == candidate {
				return true
			}
		}
		return false
	})
}

func uniqueName(name string, taken func(string) bool) string {
	if !taken(name) {
		return name
	}
	base := name
	if match := numberedName.FindStringSubmatch(name); match != nil {
		base = match[1]
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s.%03d", base, i)
		if !taken(candidate) {
			return candidate
		}
	}
}

func cloneCollection(col GeneratedCollection) GeneratedCollection {
	col.Members = append([]ObjectRef(nil), col.Members...)
	return col
}

func containsRef[T comparable](refs []T, ref T) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func removeRef[T comparable](refs []T, ref T) []T {
	out := refs[:0:0]
	for _, r := range refs {
		if r != ref {
			out = append(out, r)
		}
	}
	return out
}

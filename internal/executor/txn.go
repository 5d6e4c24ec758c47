package executor

import (
	"errors"
	"fmt"
	"strings"

	"scenegen/internal/scene"
)

// ErrOutOfScope is raised inside a run when a script touches data that
// existed before the run started.
var ErrOutOfScope = errors.New("existed before this run and cannot be modified")

// txn journals everything one run creates so it can be undone.
type txn struct {
	scene scene.Scene

	preObjects   map[scene.ObjectRef]bool
	preMaterials map[scene.MaterialRef]bool
	preSelection scene.Selection

	createdObjects   []scene.ObjectRef
	createdMaterials []scene.MaterialRef

	output strings.Builder
}

func begin(sc scene.Scene) *txn {
	t := &txn{
		scene:        sc,
		preObjects:   make(map[scene.ObjectRef]bool),
		preMaterials: make(map[scene.MaterialRef]bool),
		preSelection: sc.Selection(),
	}
	for _, ref := range sc.ObjectRefs() {
		t.preObjects[ref] = true
	}
	for _, ref := range sc.MaterialRefs() {
		t.preMaterials[ref] = true
	}
	return t
}

func (t *txn) print(msg string) {
	t.output.WriteString(msg)
	t.output.WriteByte('\n')
}

func (t *txn) object(ref scene.ObjectRef) (scene.Object, error) {
	obj, ok := t.scene.Object(ref)
	if !ok {
		return scene.Object{}, fmt.Errorf("%w: it was removed", scene.ErrObjectNotFound)
	}
	return obj, nil
}

// mutable returns the object for modification. Objects from before the run
// are read-only.
func (t *txn) mutable(ref scene.ObjectRef) (scene.Object, error) {
	obj, err := t.object(ref)
	if err != nil {
		return obj, err
	}
	if t.preObjects[ref] {
		return obj, fmt.Errorf("object %q %w", obj.Name, ErrOutOfScope)
	}
	return obj, nil
}

func (t *txn) modify(ref scene.ObjectRef, fn func(*scene.Object) error) error {
	obj, err := t.mutable(ref)
	if err != nil {
		return err
	}
	if err := fn(&obj); err != nil {
		return err
	}
	return t.scene.UpdateObject(obj)
}

func (t *txn) addObject(obj scene.Object) (scene.Object, error) {
	for _, mat := range obj.Materials {
		if _, ok := t.scene.Material(mat); !ok && mat != scene.EmptySlot {
			return scene.Object{}, fmt.Errorf("%w: it was removed", scene.ErrMaterialNotFound)
		}
	}
	added, err := t.scene.AddObject(obj)
	if err != nil {
		return scene.Object{}, err
	}
	t.createdObjects = append(t.createdObjects, added.Ref)
	return added, nil
}

func (t *txn) removeObject(ref scene.ObjectRef) error {
	if _, err := t.mutable(ref); err != nil {
		return err
	}
	return t.scene.RemoveObject(ref)
}

func (t *txn) material(ref scene.MaterialRef) (scene.Material, error) {
	mat, ok := t.scene.Material(ref)
	if !ok {
		return scene.Material{}, fmt.Errorf("%w: it was removed", scene.ErrMaterialNotFound)
	}
	return mat, nil
}

func (t *txn) modifyMaterial(ref scene.MaterialRef, fn func(*scene.Material) error) error {
	mat, err := t.material(ref)
	if err != nil {
		return err
	}
	if t.preMaterials[ref] {
		return fmt.Errorf("material %q %w", mat.Name, ErrOutOfScope)
	}
	if err := fn(&mat); err != nil {
		return err
	}
	return t.scene.UpdateMaterial(mat)
}

func (t *txn) addMaterial(mat scene.Material) (scene.Material, error) {
	added, err := t.scene.AddMaterial(mat)
	if err != nil {
		return scene.Material{}, err
	}
	t.createdMaterials = append(t.createdMaterials, added.Ref)
	return added, nil
}

func (t *txn) removeMaterial(ref scene.MaterialRef) error {
	mat, err := t.material(ref)
	if err != nil {
		return err
	}
	if t.preMaterials[ref] {
		return fmt.Errorf("material %q %w", mat.Name, ErrOutOfScope)
	}
	return t.scene.RemoveMaterial(ref)
}

func (t *txn) selected() []scene.ObjectRef {
	return t.scene.Selection().Selected
}

func (t *txn) selectOnly(ref scene.ObjectRef) {
	t.scene.SetSelection(scene.Selection{Selected: []scene.ObjectRef{ref}, Active: ref})
}

func (t *txn) setSelected(ref scene.ObjectRef, on bool) {
	sel := t.scene.Selection()
	switch {
	case on && !sel.Contains(ref):
		sel.Selected = append(sel.Selected, ref)
	case !on:
		kept := sel.Selected[:0]
		for _, r := range sel.Selected {
			if r != ref {
				kept = append(kept, r)
			}
		}
		sel.Selected = kept
	}
	t.scene.SetSelection(sel)
}

func (t *txn) setActive(ref scene.ObjectRef) {
	sel := t.scene.Selection()
	sel.Active = ref
	t.scene.SetSelection(sel)
}

// created lists objects present now that were not present before the run,
// in scene order.
func (t *txn) created() []scene.ObjectRef {
	var refs []scene.ObjectRef
	for _, ref := range t.scene.ObjectRefs() {
		if !t.preObjects[ref] {
			refs = append(refs, ref)
		}
	}
	return refs
}

// rollback removes everything the run created, newest first, and restores
// the selection.
func (t *txn) rollback() error {
	var errs []error
	for i := len(t.createdObjects) - 1; i >= 0; i-- {
		if err := t.scene.RemoveObject(t.createdObjects[i]); err != nil && !errors.Is(err, scene.ErrObjectNotFound) {
			errs = append(errs, err)
		}
	}
	for i := len(t.createdMaterials) - 1; i >= 0; i-- {
		if err := t.scene.RemoveMaterial(t.createdMaterials[i]); err != nil && !errors.Is(err, scene.ErrMaterialNotFound) {
			errs = append(errs, err)
		}
	}
	t.scene.SetSelection(t.preSelection)
	return errors.Join(errs...)
}

package organizer

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"scenegen/internal/executor"
	"scenegen/internal/scene"
)

func committed(t *testing.T, sc scene.Scene, id string, names ...string) *executor.Outcome {
	t.Helper()
	outcome := &executor.Outcome{ID: id, Committed: true}
	for _, name := range names {
		obj, err := sc.AddObject(scene.Object{Name: name, Type: "MESH"})
		require.NoError(t, err)
		outcome.CreatedObjectIDs = append(outcome.CreatedObjectIDs, obj.Ref)
	}
	return outcome
}

func TestOrganizeCreatesCollection(t *testing.T) {
	sc := scene.NewMemory()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := New(sc, WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return at }))
	outcome := committed(t, sc, "run-1", "Body", "Wheel", "Wheel", "Spoiler")

	col, err := o.Organize(outcome, "a red sports car")
	require.NoError(t, err)
	assert.Equal(t, "gen_a_red_sports_car_001", col.Name)
	assert.Equal(t, outcome.CreatedObjectIDs, col.Members)
	assert.Equal(t, at, col.CreatedAt)

	stored, ok := sc.Collection(col.Name)
	require.True(t, ok)
	assert.Equal(t, *col, stored)
}

func TestOrganizeIsIdempotent(t *testing.T) {
	sc := scene.NewMemory()
	o := New(sc)
	outcome := committed(t, sc, "run-1", "Cube")

	first, err := o.Organize(outcome, "cube")
	require.NoError(t, err)
	second, err := o.Organize(outcome, "cube")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, sc.Snapshot().Collections, 1)
}

func TestOrganizeNamesAreDistinct(t *testing.T) {
	sc := scene.NewMemory()
	o := New(sc)
	require.NoError(t, sc.CreateCollection("gen_tree_002", time.Now()))

	var names []string
	for i := 0; i < 3; i++ {
		col, err := o.Organize(committed(t, sc, fmt.Sprintf("run-%d", i), "Tree"), "Tree")
		require.NoError(t, err)
		names = append(names, col.Name)
	}
	assert.Equal(t, []string{"gen_tree_001", "gen_tree_003", "gen_tree_004"}, names)
}

func TestOrganizeCounterIsShared(t *testing.T) {
	sc := scene.NewMemory()
	o := New(sc)

	a, err := o.Organize(committed(t, sc, "a", "Cube"), "house")
	require.NoError(t, err)
	b, err := o.Organize(committed(t, sc, "b", "Cube"), "garden")
	require.NoError(t, err)
	assert.Equal(t, "gen_house_001", a.Name)
	assert.Equal(t, "gen_garden_002", b.Name)
}

func TestOrganizeNothingToOrganize(t *testing.T) {
	o := New(scene.NewMemory())

	_, err := o.Organize(nil, "x")
	require.ErrorIs(t, err, ErrNothingToOrganize)

	_, err = o.Organize(&executor.Outcome{ID: "run-9"}, "x")
	require.ErrorIs(t, err, ErrNothingToOrganize)
	assert.Contains(t, err.Error(), "run-9")
}

func TestOrganizeEmptyRun(t *testing.T) {
	sc := scene.NewMemory()
	o := New(sc)

	col, err := o.Organize(&executor.Outcome{ID: "empty", Committed: true}, "nothing")
	require.NoError(t, err)
	assert.Empty(t, col.Members)
	assert.True(t, sc.HasCollection("gen_nothing_001"))
}

func TestOrganizeLinkFailureLeavesNoCollection(t *testing.T) {
	sc := scene.NewMemory()
	o := New(sc, WithLogger(zaptest.NewLogger(t)))
	outcome := committed(t, sc, "run-1", "Cube")
	outcome.CreatedObjectIDs = append(outcome.CreatedObjectIDs, scene.ObjectRef("gone"))

	_, err := o.Organize(outcome, "cube")
	require.ErrorIs(t, err, scene.ErrObjectNotFound)
	assert.Empty(t, sc.Snapshot().Collections)

	// A later attempt with a good outcome gets a fresh collection.
	outcome.CreatedObjectIDs = outcome.CreatedObjectIDs[:1]
	col, err := o.Organize(outcome, "cube")
	require.NoError(t, err)
	assert.Equal(t, "gen_cube_002", col.Name)
	assert.Len(t, sc.Snapshot().Collections, 1)
}

func TestSlug(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"a red sports car", "a_red_sports_car"},
		{"  Low-poly TREE!!  ", "low_poly_tree"},
		{"3 chairs & 1 table", "3_chairs_1_table"},
		{"¿qué?", "qu"},
		{"!!!", "untitled"},
		{"", "untitled"},
		{strings.Repeat("ab ", 30), strings.Repeat("ab_", 13) + "a"},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.prompt))
		})
	}
}

func TestSlugShape(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		slug := Slug(rapid.String().Draw(rt, "prompt"))
		if slug == "" || utf8.RuneCountInString(slug) > MaxSlugRunes {
			rt.Fatalf("bad length: %q", slug)
		}
		if strings.HasPrefix(slug, "_") || strings.HasSuffix(slug, "_") || strings.Contains(slug, "__") {
			rt.Fatalf("bad separators: %q", slug)
		}
		for _, r := range slug {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
				rt.Fatalf("bad rune %q in %q", r, slug)
			}
		}
	})
}

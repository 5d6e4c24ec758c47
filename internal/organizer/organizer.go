// Package organizer groups the objects of a committed run into a named
// collection.
package organizer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"scenegen/internal/executor"
	"scenegen/internal/scene"
)

const (
	Prefix       = "gen"
	MaxSlugRunes = 40
	fallbackSlug = "untitled"
)

// ErrorKind classifies an organize failure.
type ErrorKind string

const NothingToOrganize ErrorKind = "nothing_to_organize"

var ErrNothingToOrganize = errors.New("nothing to organize")

// Error reports why an outcome could not be organized.
type Error struct {
	Kind      ErrorKind
	OutcomeID string
}

func (e *Error) Error() string {
	if e.OutcomeID == "" {
		return ErrNothingToOrganize.Error()
	}
	return fmt.Sprintf("%s: outcome %s was not committed", ErrNothingToOrganize, e.OutcomeID)
}

func (e *Error) Is(target error) bool {
	return target == ErrNothingToOrganize && e.Kind == NothingToOrganize
}

// Organizer names and fills generated collections. The counter is shared
// by every prompt in the session.
type Organizer struct {
	scene  scene.Scene
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	counter int
	byRun   map[string]string
}

// Option configures an Organizer.
type Option func(*Organizer)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Organizer) { o.logger = logger }
}

// WithClock replaces the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Organizer) { o.now = now }
}

func New(sc scene.Scene, opts ...Option) *Organizer {
	o := &Organizer{
		scene:  sc,
		logger: zap.NewNop(),
		now:    time.Now,
		byRun:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "output_organizer"))
	return o
}

// Organize links the outcome's created objects into a fresh collection
// named gen_<slug>_<NNN>. Calling it again with the same outcome returns
// the existing collection without changing its membership.
func (o *Organizer) Organize(outcome *executor.Outcome, prompt string) (*scene.GeneratedCollection, error) {
	if outcome == nil {
		return nil, &Error{Kind: NothingToOrganize}
	}
	if !outcome.Committed {
		return nil, &Error{Kind: NothingToOrganize, OutcomeID: outcome.ID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	name, seen := o.byRun[outcome.ID]
	if !seen {
		name = o.nextNameLocked(Slug(prompt))
		if err := o.scene.CreateCollection(name, o.now()); err != nil {
			return nil, fmt.Errorf("create collection %s: %w", name, err)
		}
		o.byRun[outcome.ID] = name
	}

	col, err := o.scene.LinkObjects(name, outcome.CreatedObjectIDs)
	if err != nil {
		if !seen {
			delete(o.byRun, outcome.ID)
			if rerr := o.scene.RemoveCollection(name); rerr != nil {
				o.logger.Error("remove unfilled collection", zap.String("collection", name), zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("link objects into %s: %w", name, err)
	}
	if !seen {
		o.logger.Info("collection created",
			zap.String("collection", name),
			zap.Int("members", len(col.Members)),
		)
	}
	return &col, nil
}

// nextNameLocked advances the counter past names already in the scene.
func (o *Organizer) nextNameLocked(slug string) string {
	for {
		o.counter++
		name := fmt.Sprintf("%s_%s_%03d", Prefix, slug, o.counter)
		if !o.scene.HasCollection(name) {
			return name
		}
	}
}

// Slug lowercases prompt and collapses every run of characters other than
// letters and digits into a single underscore.
func Slug(prompt string) string {
	var b strings.Builder
	pending := false
	n := 0
	for _, r := range strings.ToLower(prompt) {
		if n >= MaxSlugRunes {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
				n++
				if n >= MaxSlugRunes {
					break
				}
			}
			pending = false
			b.WriteRune(r)
			n++
			continue
		}
		pending = true
	}
	slug := strings.Trim(b.String(), "_")
	if slug == "" {
		return fallbackSlug
	}
	return slug
}

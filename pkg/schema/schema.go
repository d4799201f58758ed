// Package schema defines the record types shipped with the shelf CLI.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/shelf/pkg/codec"
	"github.com/celerix-dev/shelf/pkg/shelf"
)

// Index names.
const (
	IndexTag    = "tag"
	IndexParent = "parent"
)

// Note is a short text with tags and an optional parent note.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Parent    string    `json:"parent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *Note) PersistentKey() string { return n.ID }

// NewNote returns a note with a fresh random ID. Tags are lowercased and
// duplicates dropped.
func NewNote(title string, tags ...string) *Note {
	now := time.Now().UTC()
	return &Note{
		ID:        uuid.NewString(),
		Title:     title,
		Tags:      NormalizeTags(tags),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NormalizeTags trims, lowercases and dedups tags, keeping their order.
func NormalizeTags(tags []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// NoteIndexes indexes notes by each tag and by parent.
func NoteIndexes() map[string]shelf.IndexFunc[*Note] {
	return map[string]shelf.IndexFunc[*Note]{
		IndexTag: func(n *Note) any { return n.Tags },
		IndexParent: func(n *Note) any {
			if n.Parent == "" {
				return nil
			}
			return n.Parent
		},
	}
}

// Counter is a named integer.
type Counter struct {
	Name      string    `json:"name"`
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Counter) PersistentKey() string { return c.Name }

// OpenNotes returns the note store for cfg with the note indexes
// registered.
func OpenNotes(cfg shelf.Config[*Note]) (*shelf.Store[string, *Note], error) {
	cfg.Indexes = NoteIndexes()
	return shelf.New[string, *Note](cfg)
}

// OpenCounters returns the counter store for cfg.
func OpenCounters(cfg shelf.Config[*Counter]) (*shelf.Store[string, *Counter], error) {
	return shelf.New[string, *Counter](cfg)
}

// Increment adds delta to the named counter, creating it at zero, and
// returns the new value.
func Increment(s *shelf.Store[string, *Counter], name string, delta int64) (int64, error) {
	c, err := s.Update(name,
		shelf.WithDefault(func() *Counter { return &Counter{Name: name} }),
		shelf.WithMutator(func(c *Counter) (*Counter, error) {
			c.Value += delta
			c.UpdatedAt = time.Now().UTC()
			return c, nil
		}),
	)
	if err != nil {
		return 0, err
	}
	return c.Value, nil
}

// Register adds the schema types to r so values decode back to them.
func Register(r *codec.Registry) error {
	if _, err := codec.RegisterType[Note](r); err != nil {
		return err
	}
	_, err := codec.RegisterType[Counter](r)
	return err
}

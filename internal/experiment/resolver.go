package experiment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Details is what a metadata source knows about the experiment behind a tag.
type Details struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Tags       []string  `json:"tags,omitempty"`
	PhaseStart time.Time `json:"phase_start"`
	PhaseEnd   time.Time `json:"phase_end"`
}

// Lookup finds the experiment for a tag. Implementations return ErrNotFound
// when nothing matches.
type Lookup interface {
	Lookup(ctx context.Context, tag string) (*Details, error)
}

type Resolver struct {
	lookup Lookup
}

func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve maps a tag to the experiment id and phase window used by every job of a run.
func (r *Resolver) Resolve(ctx context.Context, tag string) (Window, error) {
	if err := ValidateTag(tag); err != nil {
		return Window{}, err
	}

	d, err := r.lookup.Lookup(ctx, tag)
	if errors.Is(err, ErrNotFound) {
		return Window{}, fmt.Errorf("tag %q: %w", tag, ErrNotFound)
	}
	if err != nil {
		return Window{}, fmt.Errorf("failed to look up experiment for tag %q: %w", tag, err)
	}
	if d == nil || d.Name == "" || d.PhaseStart.IsZero() {
		return Window{}, fmt.Errorf("tag %q: %w", tag, ErrNotFound)
	}

	return NewWindow(d.Name, d.PhaseStart, d.PhaseEnd)
}

// ValidateTag accepts only tags that are safe inside a table name.
func ValidateTag(tag string) error {
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("invalid experiment tag %q: only letters, digits and underscores are allowed", tag)
	}
	return nil
}

package metadata

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/varmetrics/varmetrics/internal/experiment"
)

// FileEntry is one experiment in a YAML metadata file:
//
//	experiments:
//	  - tag: new_ui
//	    name: exp_new_ui
//	    start: 2024-01-01
//	    end: 2024-01-10
type FileEntry struct {
	Tag   string `yaml:"tag"`
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// File serves experiments from a local YAML file, for offline runs and tests.
type File struct {
	entries map[string]experiment.Details
}

func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	return ParseFile(data)
}

func ParseFile(data []byte) (*File, error) {
	var doc struct {
		Experiments []FileEntry `yaml:"experiments"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse metadata file: %w", err)
	}

	f := &File{entries: make(map[string]experiment.Details)}
	for _, e := range doc.Experiments {
		if err := experiment.ValidateTag(e.Tag); err != nil {
			return nil, err
		}
		start, err := experiment.ParseDay(e.Start)
		if err != nil {
			return nil, fmt.Errorf("experiment %s: %w", e.Tag, err)
		}
		end := experiment.Day(time.Now())
		if e.End != "" {
			if end, err = experiment.ParseDay(e.End); err != nil {
				return nil, fmt.Errorf("experiment %s: %w", e.Tag, err)
			}
		}
		f.entries[e.Tag] = experiment.Details{
			ID:         e.Name,
			Name:       e.Name,
			Tags:       []string{e.Tag},
			PhaseStart: start,
			PhaseEnd:   end,
		}
	}
	return f, nil
}

func (f *File) Lookup(ctx context.Context, tag string) (*experiment.Details, error) {
	d, ok := f.entries[tag]
	if !ok {
		return nil, experiment.ErrNotFound
	}
	return &d, nil
}

// List returns every experiment in the file ordered by tag.
func (f *File) List(ctx context.Context) ([]experiment.Details, error) {
	out := make([]experiment.Details, 0, len(f.entries))
	for _, d := range f.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tags[0] < out[j].Tags[0] })
	return out, nil
}

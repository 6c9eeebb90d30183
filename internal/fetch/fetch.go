// Package fetch acquires base disk images from remote sources.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Fetcher downloads identifier to dest. Implementations skip the transfer
// when dest already exists and force is false.
type Fetcher interface {
	Fetch(ctx context.Context, identifier, dest string, force bool) error
}

type FetchError struct {
	Source      string
	Identifier  string
	Destination string
	Err         error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s image %q to %s: %v", e.Source, e.Identifier, e.Destination, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Skip reports whether a fetch into dest is unnecessary.
func Skip(dest string, force bool) (bool, error) {
	if force {
		return false, nil
	}
	_, err := os.Stat(dest)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", dest, err)
}

// Registry resolves a source name to a Fetcher.
type Registry map[string]Fetcher

const DefaultSource = "azure"

func (r Registry) Lookup(source string) (Fetcher, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		source = DefaultSource
	}
	f, ok := r[source]
	if !ok || f == nil {
		return nil, fmt.Errorf("unknown image source %q (available: %s)", source, strings.Join(r.Names(), ", "))
	}
	return f, nil
}

func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name, f := range r {
		if f != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Package std ships the stock observer packs. Each pack is a single
// .osim file compiled into the binary, so a fresh project can judge
// its first run without writing any observers of its own.
package std

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/dsl"
)

//go:embed packs/*.osim
var packsFS embed.FS

// Names returns the available pack names, sorted.
func Names() []string {
	entries, err := packsFS.ReadDir("packs")
	if err != nil {
		// The embedded tree is fixed at build time.
		panic(fmt.Sprintf("std: reading embedded packs: %v", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".osim"))
	}
	sort.Strings(names)
	return names
}

// Source returns the raw .osim text of a pack, suitable for writing
// into a scaffolded project.
func Source(name string) ([]byte, error) {
	src, err := packsFS.ReadFile("packs/" + name + ".osim")
	if err != nil {
		return nil, fmt.Errorf("std: unknown pack %q (have %v)", name, Names())
	}
	return src, nil
}

// Observers parses a pack and returns its observers.
func Observers(name string) ([]usersim.Observer, error) {
	src, err := Source(name)
	if err != nil {
		return nil, err
	}
	observers, err := dsl.Parse(name+".osim", src)
	if err != nil {
		return nil, fmt.Errorf("std: %w", err)
	}
	return observers, nil
}

// Register parses the named packs and registers their observers.
// With no names it registers every stock pack.
func Register(reg *usersim.Registry, names ...string) error {
	if len(names) == 0 {
		names = Names()
	}
	for _, name := range names {
		observers, err := Observers(name)
		if err != nil {
			return err
		}
		for _, o := range observers {
			if err := reg.Register(o); err != nil {
				return fmt.Errorf("std: %s: %w", name, err)
			}
		}
	}
	return nil
}

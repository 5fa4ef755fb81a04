// Package actions maps engine routine ids to their names and signatures.
//
// Catalogs are TOML files:
//
//	[[action]]
//	id      = 7
//	name    = "DelayCommand"
//	returns = "void"
//	params  = ["float", "action"]
package actions

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/chazu/ncsdecomp/pkg/types"
)

//go:embed default.toml
var defaultCatalog []byte

// Action is one engine routine.
type Action struct {
	ID      int
	Name    string
	Returns types.Type
	Params  []types.Type
}

// ArgSlots returns the stack slots taken by the first argc arguments.
func (a *Action) ArgSlots(argc int) int {
	n := 0
	for i := 0; i < argc && i < len(a.Params); i++ {
		n += a.Params[i].Slots()
	}
	return n
}

// Catalog indexes actions by id.
type Catalog struct {
	byID map[int]*Action
}

// NewCatalog builds a catalog from actions. Later duplicates win.
func NewCatalog(list ...Action) *Catalog {
	c := &Catalog{byID: make(map[int]*Action, len(list))}
	for i := range list {
		a := list[i]
		c.byID[a.ID] = &a
	}
	return c
}

// Lookup returns the action with id.
func (c *Catalog) Lookup(id int) (*Action, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.byID[id]
	return a, ok
}

// Len returns the number of actions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}

// Merge adds every action of o, replacing ids already present.
func (c *Catalog) Merge(o *Catalog) {
	for id, a := range o.byID {
		c.byID[id] = a
	}
}

type catalogFile struct {
	Actions []actionEntry `toml:"action"`
}

type actionEntry struct {
	ID      int      `toml:"id"`
	Name    string   `toml:"name"`
	Returns string   `toml:"returns"`
	Params  []string `toml:"params"`
}

// Parse reads a catalog from TOML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid action catalog: %w", err)
	}
	list := make([]Action, 0, len(f.Actions))
	for _, e := range f.Actions {
		if e.Name == "" {
			return nil, fmt.Errorf("action %d: missing name", e.ID)
		}
		ret, err := types.Parse(e.Returns)
		if err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", e.ID, e.Name, err)
		}
		a := Action{ID: e.ID, Name: e.Name, Returns: ret}
		for _, p := range e.Params {
			pt, err := types.Parse(p)
			if err != nil {
				return nil, fmt.Errorf("action %d (%s): %w", e.ID, e.Name, err)
			}
			a.Params = append(a.Params, pt)
		}
		list = append(list, a)
	}
	return NewCatalog(list...), nil
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Default returns the built-in catalog of common routines.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("actions: embedded catalog: %v", err))
	}
	return c
}

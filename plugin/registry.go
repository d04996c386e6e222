package plugin

import (
	"bytes"
	"os"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Factory creates plugin instances.
type Factory interface {
	CreateInstance() (Plugin, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() (Plugin, error)

// CreateInstance calls f.
func (f FactoryFunc) CreateInstance() (Plugin, error) {
	return f()
}

// Registry maps class ids to factories. It is populated explicitly at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[uuid.UUID]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[uuid.UUID]Factory)}
}

// Register adds the factory for clsid.
func (r *Registry) Register(clsid uuid.UUID, f Factory) error {
	if f == nil {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[clsid]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "{%s}", clsid)
	}
	r.factories[clsid] = f
	return nil
}

// Unregister removes clsid and reports whether it was registered.
func (r *Registry) Unregister(clsid uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.factories[clsid]
	delete(r.factories, clsid)
	return ok
}

// Create instantiates the plugin registered for clsid.
func (r *Registry) Create(clsid uuid.UUID) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[clsid]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrClassNotAvailable, "{%s}", clsid)
	}

	p, err := f.CreateInstance()
	if err != nil {
		return nil, errors.Wrapf(err, "plugin: create {%s}", clsid)
	}
	return p, nil
}

// Classes returns the registered class ids in order.
func (r *Registry) Classes() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// AddIn names a plugin class a host should load.
type AddIn struct {
	Name  string    `toml:"name"`
	CLSID uuid.UUID `toml:"clsid"`
}

type addInFile struct {
	AddIns []AddIn `toml:"addins"`
}

// AddIns is the table of plugins a host loads, keyed by add-in name.
type AddIns struct {
	mu      sync.RWMutex
	entries map[string]uuid.UUID
}

// NewAddIns returns a table holding entries.
func NewAddIns(entries ...AddIn) *AddIns {
	a := &AddIns{entries: make(map[string]uuid.UUID)}
	for _, e := range entries {
		a.entries[e.Name] = e.CLSID
	}
	return a
}

// LoadAddIns reads the table stored at path. A missing file is an empty table.
func LoadAddIns(path string) (*AddIns, error) {
	var raw addInFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewAddIns(), nil
		}
		return nil, errors.Wrapf(err, "plugin: load add-ins %s", path)
	}
	return NewAddIns(raw.AddIns...), nil
}

// Save writes the table to path.
func (a *AddIns) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "plugin: save add-ins %s", path)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(addInFile{AddIns: a.Entries()}); err != nil {
		return errors.Wrapf(err, "plugin: encode add-ins %s", path)
	}
	return f.Close()
}

// Add registers name as an add-in backed by clsid, replacing any previous entry.
func (a *AddIns) Add(name string, clsid uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[name] = clsid
}

// Remove deletes name and reports whether it was present.
func (a *AddIns) Remove(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.entries[name]
	delete(a.entries, name)
	return ok
}

// Lookup returns the class id registered under name.
func (a *AddIns) Lookup(name string) (uuid.UUID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	id, ok := a.entries[name]
	return id, ok
}

// Entries returns the table sorted by name.
func (a *AddIns) Entries() []AddIn {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]AddIn, 0, len(a.entries))
	for name, id := range a.entries {
		out = append(out, AddIn{Name: name, CLSID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

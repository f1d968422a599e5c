package likelihood

import (
	"fmt"
	"sort"
	"sync"
)

// backends is a registry of backend factories.
var backends = map[string]func() Backend{
	"cpu":      func() Backend { return NewCPU() },
	"parallel": func() Backend { return NewParallel(0) },
}

// backendMutex prevents simultaneous access to the registry.
var backendMutex sync.Mutex

// RegisterBackend makes a backend available under a name.
func RegisterBackend(name string, factory func() Backend) {
	backendMutex.Lock()
	defer backendMutex.Unlock()
	if _, ok := backends[name]; ok {
		log.Warningf("backend %s redefined", name)
	}
	backends[name] = factory
}

// NewBackend creates a registered backend.
func NewBackend(name string) (Backend, error) {
	backendMutex.Lock()
	defer backendMutex.Unlock()
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
	return f(), nil
}

// Backends returns sorted names of the registered backends.
func Backends() (names []string) {
	backendMutex.Lock()
	defer backendMutex.Unlock()
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return
}

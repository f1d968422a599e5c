package model

// Bus is an explicit registration table of parameters, models and
// the edges between them. Events are dispatched synchronously, in the
// order listeners were connected.
type Bus struct {
	params map[string]*Parameter
	models map[string]Model
	edges  map[string][]string
	// stateful keeps registration order for store/restore.
	stateful []Stateful
	trace    func(Event)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		params: make(map[string]*Parameter),
		models: make(map[string]Model),
		edges:  make(map[string][]string),
	}
}

func (b *Bus) known(id string) bool {
	_, okp := b.params[id]
	_, okm := b.models[id]
	return okp || okm
}

// AddParameter registers a parameter.
func (b *Bus) AddParameter(p *Parameter) error {
	if b.known(p.id) {
		return &WiringError{Source: p.id, Reason: "duplicate id"}
	}
	b.params[p.id] = p
	p.bus = b
	b.stateful = append(b.stateful, p)
	return nil
}

// AddModel registers a model.
func (b *Bus) AddModel(m Model) error {
	if b.known(m.ID()) {
		return &WiringError{Source: m.ID(), Reason: "duplicate id"}
	}
	b.models[m.ID()] = m
	if bu, ok := m.(BusUser); ok {
		bu.SetBus(b)
	}
	b.stateful = append(b.stateful, m)
	return nil
}

// Wire registers a model and connects each of params to it.
// Parameters which are already registered are reused.
func (b *Bus) Wire(m Model, params ...*Parameter) error {
	for _, p := range params {
		if b.params[p.id] == p {
			continue
		}
		if err := b.AddParameter(p); err != nil {
			return err
		}
	}
	if b.models[m.ID()] != m {
		if err := b.AddModel(m); err != nil {
			return err
		}
	}
	for _, p := range params {
		if err := b.Connect(p.id, m.ID()); err != nil {
			return err
		}
	}
	return nil
}

// Parameter returns a registered parameter or nil.
func (b *Bus) Parameter(id string) *Parameter {
	return b.params[id]
}

// Parameters returns all registered parameters in registration order.
func (b *Bus) Parameters() (ps []*Parameter) {
	for _, s := range b.stateful {
		if p, ok := s.(*Parameter); ok {
			ps = append(ps, p)
		}
	}
	return
}

// Model returns a registered model or nil.
func (b *Bus) Model(id string) Model {
	return b.models[id]
}

// Connect makes listener receive events published by source.
func (b *Bus) Connect(source, listener string) error {
	if !b.known(source) {
		return &WiringError{Source: source, Listener: listener, Reason: "unknown source"}
	}
	if _, ok := b.models[listener]; !ok {
		return &WiringError{Source: source, Listener: listener, Reason: "listener is not a registered model"}
	}
	if source == listener {
		return &WiringError{Source: source, Listener: listener, Reason: "self dependency"}
	}
	for _, l := range b.edges[source] {
		if l == listener {
			return &WiringError{Source: source, Listener: listener, Reason: "already connected"}
		}
	}
	if b.reaches(listener, source) {
		return &WiringError{Source: source, Listener: listener, Reason: "cycle"}
	}
	b.edges[source] = append(b.edges[source], listener)
	log.Debugf("connected %s -> %s", source, listener)
	return nil
}

// reaches tests if there is a path from -> to.
func (b *Bus) reaches(from, to string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, b.edges[id]...)
	}
	return false
}

// Listeners returns ids of the models listening to source.
func (b *Bus) Listeners(source string) []string {
	return append([]string(nil), b.edges[source]...)
}

// SetTrace installs a function called for every published event.
func (b *Bus) SetTrace(f func(Event)) {
	b.trace = f
}

// PublishParameter dispatches a parameter event.
func (b *Bus) PublishParameter(ev ParameterChanged) {
	if b.trace != nil {
		b.trace(ev)
	}
	for _, id := range b.edges[ev.ID] {
		b.models[id].HandleParameterChanged(ev)
	}
}

// PublishModel dispatches a model event.
func (b *Bus) PublishModel(ev ModelChanged) {
	if b.trace != nil {
		b.trace(ev)
	}
	for _, id := range b.edges[ev.ID] {
		b.models[id].HandleModelChanged(ev)
	}
}

// StoreState stores state of everything registered.
func (b *Bus) StoreState() {
	for _, s := range b.stateful {
		s.StoreState()
	}
}

// RestoreState restores state of everything registered.
func (b *Bus) RestoreState() {
	for _, s := range b.stateful {
		s.RestoreState()
	}
}

// AcceptState accepts state of everything registered.
func (b *Bus) AcceptState() {
	for _, s := range b.stateful {
		s.AcceptState()
	}
}

package schema

import "fmt"

// Registry stores sink mappings in a compact form. Ids are assigned densely from 1.
type Registry struct {
	sinks      []Sink
	sinkByName map[string]SinkID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sinkByName: make(map[string]SinkID),
	}
}

// AddSink registers a new sink and returns it.
func (r *Registry) AddSink(name string, typ ServiceType) (Sink, error) {
	if name == "" {
		return Sink{}, fmt.Errorf("sink name is empty")
	}
	if typ == ServiceTypeUnknown {
		return Sink{}, fmt.Errorf("sink %s has unknown service type", name)
	}
	if id, ok := r.sinkByName[name]; ok {
		return r.sinks[id-1], fmt.Errorf("sink already exists: %s", name)
	}
	sink := Sink{
		ID:   SinkID(len(r.sinks) + 1),
		Type: typ,
		Name: name,
	}
	r.sinks = append(r.sinks, sink)
	r.sinkByName[name] = sink.ID
	return sink, nil
}

// Sink returns the sink by ID.
func (r *Registry) Sink(id SinkID) (Sink, bool) {
	if id == 0 || int(id) > len(r.sinks) {
		return Sink{}, false
	}
	return r.sinks[id-1], true
}

// SinkByName returns the sink registered under name.
func (r *Registry) SinkByName(name string) (Sink, bool) {
	id, ok := r.sinkByName[name]
	if !ok {
		return Sink{}, false
	}
	return r.sinks[id-1], true
}

// SinkCount returns the number of sinks in the registry.
func (r *Registry) SinkCount() int {
	return len(r.sinks)
}

// SinkAt returns the sink by zero-based index.
func (r *Registry) SinkAt(index int) (Sink, bool) {
	if index < 0 || index >= len(r.sinks) {
		return Sink{}, false
	}
	return r.sinks[index], true
}

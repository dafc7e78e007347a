package backend

import (
	"strings"

	"github.com/seantiz/igprov/internal/model"
)

// BackendInfo describes a registered backend.
type BackendInfo struct {
	Kind model.BackendKind `json:"kind"`
}

// Registry holds the two provisioning targets and routes endpoint URLs to
// one of them. It is immutable after construction.
type Registry struct {
	core       CoreBackend
	edge       EdgeBackend
	edgeMarker string
}

// NewRegistry creates a registry. URLs containing edgeMarker route to edge,
// everything else to core.
func NewRegistry(core CoreBackend, edge EdgeBackend, edgeMarker string) *Registry {
	return &Registry{
		core:       core,
		edge:       edge,
		edgeMarker: edgeMarker,
	}
}

// Route returns the backend kind for an endpoint URL.
func Route(endpointURL, edgeMarker string) model.BackendKind {
	if edgeMarker != "" && strings.Contains(endpointURL, edgeMarker) {
		return model.BackendEdge
	}
	return model.BackendCore
}

// Route returns the backend kind for an endpoint URL.
func (r *Registry) Route(endpointURL string) model.BackendKind {
	return Route(endpointURL, r.edgeMarker)
}

// Get returns the backend of the given kind, or nil for an unknown kind.
func (r *Registry) Get(kind model.BackendKind) Backend {
	switch kind {
	case model.BackendCore:
		return r.core
	case model.BackendEdge:
		return r.edge
	default:
		return nil
	}
}

func (r *Registry) Core() CoreBackend { return r.core }

func (r *Registry) Edge() EdgeBackend { return r.edge }

// List returns the registered backends in a stable order.
func (r *Registry) List() []BackendInfo {
	return []BackendInfo{
		{Kind: model.BackendCore},
		{Kind: model.BackendEdge},
	}
}

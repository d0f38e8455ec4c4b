// Package graph holds the static description of the module DAG.
//
// The registry is immutable after construction: nodes carry a name and an
// edge function from accumulated state to the next module name or END.
// Handler bindings are resolved by the worker, not here.
package graph

import (
	"sort"

	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/job"
)

// END is the edge-function result that terminates a job successfully
const END = "END"

// EdgeFunc picks the next module from accumulated state. Edge functions are
// pure and total: they return a registered module name or END, never an
// error of their own.
type EdgeFunc func(state job.State) string

// Node is one processing stage in the pipeline
type Node struct {
	Name      string
	Next      EdgeFunc
	InputType string // non-empty marks a human-input node
}

// Registry is the immutable DAG loaded once at process start
type Registry struct {
	nodes map[string]Node
	order []string
	first string
}

// NewRegistry builds a registry from nodes; the first node receives new jobs
func NewRegistry(first string, nodes ...Node) (*Registry, error) {
	r := &Registry{nodes: make(map[string]Node, len(nodes)), first: first}
	for _, n := range nodes {
		if n.Name == "" || n.Name == END {
			return nil, errors.Newf("invalid node name %q", n.Name)
		}
		if _, dup := r.nodes[n.Name]; dup {
			return nil, errors.Newf("duplicate node %q", n.Name)
		}
		if n.Next == nil {
			return nil, errors.Newf("node %q has no edge function", n.Name)
		}
		r.nodes[n.Name] = n
		r.order = append(r.order, n.Name)
	}
	if _, ok := r.nodes[first]; !ok {
		return nil, errors.Newf("first module %q is not a registered node", first)
	}
	return r, nil
}

// Path returns the module names in declaration order, the nominal
// front-to-back walk of the pipeline
func (r *Registry) Path() []string {
	path := make([]string, len(r.order))
	copy(path, r.order)
	return path
}

// First returns the module that receives newly submitted jobs
func (r *Registry) First() string { return r.first }

// Has reports whether a module name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.nodes[name]
	return ok
}

// Node returns a registered node, or errors.ErrNotFound
func (r *Registry) Node(name string) (Node, error) {
	n, ok := r.nodes[name]
	if !ok {
		return Node{}, errors.Wrapf(errors.ErrNotFound, "module %s", name)
	}
	return n, nil
}

// Names returns all registered module names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next resolves the successor of module for the given state. A result that
// is neither END nor a registered node is a programmer error in the graph
// and surfaces as ErrUnroutableState.
func (r *Registry) Next(module string, state job.State) (string, error) {
	n, err := r.Node(module)
	if err != nil {
		return "", err
	}
	next := n.Next(state)
	if next == END {
		return END, nil
	}
	if !r.Has(next) {
		return "", errors.Wrapf(errors.ErrUnroutableState,
			"module %s routed to unknown node %q", module, next)
	}
	return next, nil
}

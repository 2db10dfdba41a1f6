// Package network implements the document adapter for water-distribution
// network models.
//
// A model is a set of nodes (junctions, reservoirs, tanks), the pipes
// connecting them, and scalar solver options. Mutations arrive as coarse
// named actions; each payload is validated against a CUE schema before it
// is dispatched, so a malformed payload is rejected as a mutation error
// without touching the model.
package network

import (
	"encoding/json"
	"fmt"

	"github.com/aqueduct-io/aqueduct/internal/document"
)

// Node is one hydraulic node.
type Node struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind"` // "junction" | "reservoir" | "tank"
	Elevation float64 `json:"elevation"`
	Demand    float64 `json:"demand"`
}

// Pipe is one link between two nodes.
type Pipe struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Length    float64 `json:"length"`
	Diameter  float64 `json:"diameter"`
	Roughness float64 `json:"roughness"`
	Status    string  `json:"status"` // "open" | "closed"
}

// Model is the mutable network document.
//
// Serialization goes through json.Marshal, which emits map keys in sorted
// order, so equal models serialize to identical bytes. Replay determinism
// checks depend on that.
type Model struct {
	Nodes   map[string]Node    `json:"nodes"`
	Pipes   map[string]Pipe    `json:"pipes"`
	Options map[string]float64 `json:"options"`
}

// New creates an empty model.
func New() *Model {
	return &Model{
		Nodes:   make(map[string]Node),
		Pipes:   make(map[string]Pipe),
		Options: make(map[string]float64),
	}
}

// Clone returns a deep copy.
func (m *Model) Clone() document.Document {
	out := &Model{
		Nodes:   make(map[string]Node, len(m.Nodes)),
		Pipes:   make(map[string]Pipe, len(m.Pipes)),
		Options: make(map[string]float64, len(m.Options)),
	}
	for id, n := range m.Nodes {
		out.Nodes[id] = n
	}
	for id, p := range m.Pipes {
		out.Pipes[id] = p
	}
	for k, v := range m.Options {
		out.Options[k] = v
	}
	return out
}

// Serialize returns the deterministic JSON encoding of the model.
func (m *Model) Serialize() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serialize model: %w", err)
	}
	return data, nil
}

// Codec deserializes network model snapshots.
type Codec struct{}

// Deserialize reconstructs a model from snapshot bytes.
func (Codec) Deserialize(state []byte) (document.Document, error) {
	m := New()
	if err := json.Unmarshal(state, m); err != nil {
		return nil, fmt.Errorf("deserialize model: %w", err)
	}
	if m.Nodes == nil {
		m.Nodes = make(map[string]Node)
	}
	if m.Pipes == nil {
		m.Pipes = make(map[string]Pipe)
	}
	if m.Options == nil {
		m.Options = make(map[string]float64)
	}
	return m, nil
}

// Apply validates and applies one action payload.
func (m *Model) Apply(action json.RawMessage) error {
	act, err := decodeAction(action)
	if err != nil {
		return err
	}

	switch act.Op {
	case "add_node":
		if _, ok := m.Nodes[act.Node.ID]; ok {
			return document.NewMutationError(document.ErrCodeDuplicateID, act.Op, "node %q already exists", act.Node.ID)
		}
		m.Nodes[act.Node.ID] = *act.Node

	case "update_node":
		if _, ok := m.Nodes[act.Node.ID]; !ok {
			return document.NewMutationError(document.ErrCodeMissingID, act.Op, "node %q does not exist", act.Node.ID)
		}
		m.Nodes[act.Node.ID] = *act.Node

	case "remove_node":
		if _, ok := m.Nodes[act.ID]; !ok {
			return document.NewMutationError(document.ErrCodeMissingID, act.Op, "node %q does not exist", act.ID)
		}
		for pipeID, p := range m.Pipes {
			if p.From == act.ID || p.To == act.ID {
				return document.NewMutationError(document.ErrCodeElementInUse, act.Op, "node %q is referenced by pipe %q", act.ID, pipeID)
			}
		}
		delete(m.Nodes, act.ID)

	case "add_pipe":
		if _, ok := m.Pipes[act.Pipe.ID]; ok {
			return document.NewMutationError(document.ErrCodeDuplicateID, act.Op, "pipe %q already exists", act.Pipe.ID)
		}
		if err := m.checkEndpoints(act.Op, act.Pipe); err != nil {
			return err
		}
		m.Pipes[act.Pipe.ID] = *act.Pipe

	case "update_pipe":
		if _, ok := m.Pipes[act.Pipe.ID]; !ok {
			return document.NewMutationError(document.ErrCodeMissingID, act.Op, "pipe %q does not exist", act.Pipe.ID)
		}
		if err := m.checkEndpoints(act.Op, act.Pipe); err != nil {
			return err
		}
		m.Pipes[act.Pipe.ID] = *act.Pipe

	case "remove_pipe":
		if _, ok := m.Pipes[act.ID]; !ok {
			return document.NewMutationError(document.ErrCodeMissingID, act.Op, "pipe %q does not exist", act.ID)
		}
		delete(m.Pipes, act.ID)

	case "set_option":
		m.Options[act.Name] = act.Value

	default:
		// Unreachable while the schema and this switch agree on the op
		// vocabulary, but fail closed if they ever drift.
		return document.NewMutationError(document.ErrCodeUnknownOp, act.Op, "unrecognized op")
	}

	return nil
}

func (m *Model) checkEndpoints(op string, p *Pipe) error {
	if _, ok := m.Nodes[p.From]; !ok {
		return document.NewMutationError(document.ErrCodeMissingID, op, "pipe %q endpoint %q does not exist", p.ID, p.From)
	}
	if _, ok := m.Nodes[p.To]; !ok {
		return document.NewMutationError(document.ErrCodeMissingID, op, "pipe %q endpoint %q does not exist", p.ID, p.To)
	}
	return nil
}

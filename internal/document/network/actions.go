package network

import (
	"encoding/json"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/aqueduct-io/aqueduct/internal/document"
)

// actionSchema is the CUE vocabulary of mutation payloads. Definitions are
// closed, so payloads with unrecognized fields fail validation.
const actionSchema = `
#Node: {
	id:        string & !=""
	kind:      "junction" | "reservoir" | "tank"
	elevation: number
	demand?:   number
}

#Pipe: {
	id:        string & !=""
	from:      string & !=""
	to:        string & !=""
	length:    number & >0
	diameter:  number & >0
	roughness: number & >0
	status?:   "open" | "closed"
}

#Action: {
	op:   "add_node" | "update_node"
	node: #Node
} | {
	op: "remove_node"
	id: string & !=""
} | {
	op:   "add_pipe" | "update_pipe"
	pipe: #Pipe
} | {
	op: "remove_pipe"
	id: string & !=""
} | {
	op:    "set_option"
	name:  string & !=""
	value: number
}
`

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
)

// compiledSchema compiles the action schema once per process. The compiled
// cue.Value is immutable and safe to share across sessions.
func compiledSchema() cue.Value {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		schemaValue = ctx.CompileString(actionSchema).LookupPath(cue.ParsePath("#Action"))
	})
	return schemaValue
}

// action is the decoded form of a validated payload. Exactly the fields
// relevant to the payload's op are populated.
type action struct {
	Op    string  `json:"op"`
	Node  *Node   `json:"node,omitempty"`
	Pipe  *Pipe   `json:"pipe,omitempty"`
	ID    string  `json:"id,omitempty"`
	Name  string  `json:"name,omitempty"`
	Value float64 `json:"value,omitempty"`
}

// decodeAction validates the payload against the schema and unmarshals it.
// Validation failures come back as INVALID_ACTION mutation errors.
func decodeAction(data json.RawMessage) (*action, error) {
	if err := cuejson.Validate(data, compiledSchema()); err != nil {
		return nil, document.NewMutationError(document.ErrCodeInvalidAction, "", "payload does not match action schema: %v", err)
	}

	var act action
	if err := json.Unmarshal(data, &act); err != nil {
		return nil, document.NewMutationError(document.ErrCodeInvalidAction, "", "payload is not valid JSON: %v", err)
	}

	// Schema-optional fields get their defaults here, after validation.
	if act.Pipe != nil && act.Pipe.Status == "" {
		act.Pipe.Status = "open"
	}

	return &act, nil
}

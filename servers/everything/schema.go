package everything

import (
	"github.com/qri-io/jsonschema"
	"github.com/sourcegraph/go-lsp"
)

// EchoArgs is the argument of the everything.echo command.
type EchoArgs struct {
	Message string `json:"message"`
}

// AddArgs is the argument of the everything.add command.
type AddArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// Settings are the settings the server reads from the everything key of the client's settings.
type Settings struct {
	// LogLevel is the minimum level logged by the server, such as "debug" or "warn".
	LogLevel string `json:"logLevel,omitempty"`
	// Decorations turns document decorations off when false.
	Decorations *bool `json:"decorations,omitempty"`
}

// Decoration is one decoration of a document line.
type Decoration struct {
	Range lsp.Range            `json:"range"`
	After DecorationAttachment `json:"after"`
}

// DecorationAttachment is text rendered after the decorated range.
type DecorationAttachment struct {
	ContentText string `json:"contentText"`
}

var echoSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  },
  "required": ["message"]
}`)

var addSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`)

var emptySchema = jsonschema.Must(`{
  "type": "object",
  "maxProperties": 0
}`)

package cxp

import (
	"encoding/json"
	"fmt"

	"github.com/sourcegraph/go-lsp"
)

// MustString is a type that enforces string representation for fields that can be either string or
// integer in the protocol, such as request IDs. It handles automatic conversion during JSON
// marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message. It can represent either a request, response,
// or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// Trace is the trace setting negotiated during initialization.
type Trace string

// InitializeParams is sent by the client as the parameters of the initialize request. It is
// created once per session and is read-only afterwards.
type InitializeParams struct {
	// Root is the root URI of the workspace, or nil if no workspace is open.
	Root *lsp.DocumentURI `json:"root"`

	// Capabilities are the merged capabilities of every client feature.
	Capabilities ClientCapabilities `json:"capabilities"`

	// ConfigurationCascade holds the settings in effect when the session started.
	ConfigurationCascade ConfigurationCascade `json:"configurationCascade"`

	// InitializationOptions is an opaque payload passed through to the extension.
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`

	// Trace is the initial trace setting. If omitted trace is disabled ("off").
	Trace Trace `json:"trace,omitempty"`
}

// InitializeResult is the result of the initialize request.
//
// Extra holds any custom top-level fields the extension returns next to the capabilities.
type InitializeResult struct {
	Capabilities ServerCapabilities
	Extra        map[string]json.RawMessage
}

// InitializeErrorData is the data payload of an initialize error response.
type InitializeErrorData struct {
	// Retry tells the client whether it may retry the initialize request.
	Retry bool `json:"retry"`
}

// ServerCapabilities are the static capabilities an extension announces in the initialize result.
type ServerCapabilities struct {
	TextDocumentSync   *lsp.TextDocumentSyncOptionsOrKind `json:"textDocumentSync,omitempty"`
	HoverProvider      bool                               `json:"hoverProvider,omitempty"`
	DefinitionProvider bool                               `json:"definitionProvider,omitempty"`
	ReferencesProvider bool                               `json:"referencesProvider,omitempty"`
	DecorationProvider bool                               `json:"decorationProvider,omitempty"`

	ExecuteCommandProvider *lsp.ExecuteCommandOptions `json:"executeCommandProvider,omitempty"`

	Experimental json.RawMessage `json:"experimental,omitempty"`
}

// ConfigurationCascade is the settings cascade of the host. Merged is the result of merging every
// level of the cascade.
type ConfigurationCascade struct {
	Merged json.RawMessage `json:"merged,omitempty"`
}

// DidChangeConfigurationParams are the parameters of the workspace/didChangeConfiguration
// notification.
type DidChangeConfigurationParams struct {
	Settings ConfigurationCascade `json:"settings"`
}

// Registration is one entry of a client/registerCapability request.
type Registration struct {
	// ID is assigned by the extension and identifies the registration for a later unregister.
	ID string `json:"id"`
	// Method is the message key of the feature being registered.
	Method string `json:"method"`
	// RegisterOptions are the feature-specific options, validated by the feature.
	RegisterOptions json.RawMessage `json:"registerOptions,omitempty"`
	// OverwriteExisting is carried on the wire but never changes how registrations are stored.
	OverwriteExisting bool `json:"overwriteExisting,omitempty"`
}

// RegistrationParams are the parameters of the client/registerCapability request.
type RegistrationParams struct {
	Registrations []Registration `json:"registrations"`
}

// Unregistration is one entry of a client/unregisterCapability request.
type Unregistration struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// UnregistrationParams are the parameters of the client/unregisterCapability request. The field
// name keeps the historical spelling used on the wire.
type UnregistrationParams struct {
	Unregisterations []Unregistration `json:"unregisterations"`
}

// TextDocumentItem is a minimal snapshot of an open document.
type TextDocumentItem struct {
	URI        lsp.DocumentURI `json:"uri"`
	LanguageID string          `json:"languageId"`
}

// DidOpenTextDocumentParams are the parameters of the textDocument/didOpen notification.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams are the parameters of the textDocument/didClose notification. Only the
// URI of the closed document is sent.
type DidCloseTextDocumentParams = lsp.DidCloseTextDocumentParams

// TextDocumentRegistrationOptions are the registration options shared by every document-scoped
// feature.
type TextDocumentRegistrationOptions struct {
	DocumentSelector DocumentSelector `json:"documentSelector"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the method name of the initialize request.
	MethodInitialize = "initialize"
	// MethodInitialized is the method name of the initialized notification.
	MethodInitialized = "initialized"
	// MethodShutdown is the method name of the shutdown request.
	MethodShutdown = "shutdown"
	// MethodExit is the method name of the exit notification.
	MethodExit = "exit"

	// MethodRegisterCapability is the method name of the dynamic registration request.
	MethodRegisterCapability = "client/registerCapability"
	// MethodUnregisterCapability is the method name of the dynamic unregistration request.
	MethodUnregisterCapability = "client/unregisterCapability"

	// MethodTextDocumentDidOpen is the method name of the document open notification.
	MethodTextDocumentDidOpen = "textDocument/didOpen"
	// MethodTextDocumentDidClose is the method name of the document close notification.
	MethodTextDocumentDidClose = "textDocument/didClose"
	// MethodTextDocumentHover is the method name of the hover request.
	MethodTextDocumentHover = "textDocument/hover"
	// MethodTextDocumentDefinition is the method name of the go-to-definition request.
	MethodTextDocumentDefinition = "textDocument/definition"
	// MethodTextDocumentImplementation is the method name of the find-implementations request.
	MethodTextDocumentImplementation = "textDocument/implementation"
	// MethodTextDocumentReferences is the method name of the find-references request.
	MethodTextDocumentReferences = "textDocument/references"
	// MethodTextDocumentTypeDefinition is the method name of the go-to-type-definition request.
	MethodTextDocumentTypeDefinition = "textDocument/typeDefinition"
	// MethodTextDocumentDecoration is the method name of the decoration request.
	MethodTextDocumentDecoration = "textDocument/decoration"

	// MethodWorkspaceExecuteCommand is the method name of the command execution request.
	MethodWorkspaceExecuteCommand = "workspace/executeCommand"
	// MethodWorkspaceDidChangeConfiguration is the method name of the settings change notification.
	MethodWorkspaceDidChangeConfiguration = "workspace/didChangeConfiguration"
	// MethodWindowContribution is the method name contributions are registered under.
	MethodWindowContribution = "window/contribution"

	// TraceOff disables tracing.
	TraceOff Trace = "off"
	// TraceMessages traces message names.
	TraceMessages Trace = "messages"
	// TraceVerbose traces messages with their payloads.
	TraceVerbose Trace = "verbose"

	jsonRPCParseErrorCode           = -32700
	jsonRPCInvalidRequestCode       = -32600
	jsonRPCMethodNotFoundCode       = -32601
	jsonRPCInvalidParamsCode        = -32602
	jsonRPCInternalErrorCode        = -32603
	jsonRPCServerNotInitializedCode = -32002
)

// MarshalJSON writes the custom fields next to capabilities, capabilities winning on conflict.
func (r InitializeResult) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(r.Extra)+1)
	for k, v := range r.Extra {
		fields[k] = v
	}
	caps, err := json.Marshal(r.Capabilities)
	if err != nil {
		return nil, err
	}
	fields["capabilities"] = caps
	return json.Marshal(fields)
}

// UnmarshalJSON reads capabilities and keeps every other top-level field in Extra.
func (r *InitializeResult) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.Capabilities = ServerCapabilities{}
	if caps, ok := fields["capabilities"]; ok {
		if err := json.Unmarshal(caps, &r.Capabilities); err != nil {
			return fmt.Errorf("invalid capabilities: %w", err)
		}
		delete(fields, "capabilities")
	}
	r.Extra = nil
	if len(fields) > 0 {
		r.Extra = fields
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case nil:
		*m = ""
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

// Package cxp implements the session layer of the Code eXtension Protocol (CXP), a JSON-RPC 2.0
// protocol spoken between a client (an editor or code host) and one or more extension processes.
//
// A session starts with the initialize/initialized handshake, in which the client sends its
// merged capabilities and receives the extension's static capabilities. After the handshake the
// extension dynamically registers and unregisters typed features (document synchronization,
// hover, decorations, commands, and so on) through the "client/registerCapability" and
// "client/unregisterCapability" requests.
//
// # Client
//
// A Client owns one Connection and a fixed set of features. Each feature contributes a fragment
// to the client capabilities, and each DynamicFeature keeps the registrations the extension made
// for its method. Document-scoped features (textDocument/didOpen, textDocument/didClose) forward
// a filtered slice of the host's current-document Signal to the extension, holding a single
// upstream subscription for as long as at least one registration is active.
//
// # Extension
//
// Activate runs the extension side of the handshake on a Connection. It rejects any message
// received out of the Idle -> Active sequence and invokes the entry point exactly once, after the
// initialized notification arrives.
//
// Server activates an extension on every session a ServerTransport accepts, which is how an
// extension serves several clients over SSE or WebSocket.
//
// # Transports
//
// Conn implements Connection on top of a Session produced by one of the message transports:
//   - StdIO: newline-delimited JSON over an io.Reader/io.Writer pair.
//   - SSEServer/SSEClient: Server-Sent Events for server-to-client, HTTP POST for client-to-server.
//   - WebSocketServer/WebSocketClient: one JSON message per WebSocket frame.
//
// StreamConn implements Connection with LSP Content-Length framing over any io.ReadWriteCloser.
package cxp

// Package toolrpc defines the gRPC ToolService contract spoken between the
// supervisor and gRPC tool servers.
//
// Messages are google.protobuf.Struct values so tools can carry arbitrary JSON
// without per-tool schemas. Bearer tokens travel in the "authorization" metadata key.
package toolrpc

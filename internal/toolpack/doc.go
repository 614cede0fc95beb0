// Package toolpack provides a small set of biomedical research tools for local
// development and end-to-end tests.
//
// The pack is served by cmd/fake-toolpack in two shapes: as an MCP endpoint
// (names carry a target prefix, as a hosted tool gateway would advertise them)
// and as a gRPC ToolService (bare names). Both sit behind bearer tokens issued
// by the development identity provider in package auth.
//
// Tools:
//
//   - search_pubmed: keyword search over fixture articles; an unmatched query
//     returns an empty list, and "broaden": true relaxes matching
//   - fetch_abstract: abstract by PMID, or of the best match for a query
//   - query_db: compound assays against the gene named in the request
//   - protein_interactions: interaction partners of the named protein
//   - render_summary: one-line-per-source summary of upstream findings
package toolpack

// Package hnswgraph is the module root for the Hierarchical Navigable Small
// World graph engine. The engine itself lives in the hnsw subpackage; this
// file only anchors the module's root-level documentation.
//
// See hnsw for the graph engine, internal/sqlitestore for a durable
// NodeStore/LayerStore backend, and cmd/hnswctl for a command-line surface
// over the engine.
package hnswgraph

// Package model defines the shared data types of the match engine:
// vector records, search candidates, ranked results and query scopes.
//
// The package is dependency-light by design so that every layer
// (store, index, ranker, pipelines) can share these types without cycles.
package model

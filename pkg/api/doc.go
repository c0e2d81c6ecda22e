// Package api defines the public types of the stepflow engine: workflow and
// step definitions, the run state machine, step handler contracts, stream
// events, and the Engine interface.
//
// Most applications should import the root stepflow package, which re-exports
// these types together with ready-made engine constructors.
package api

// Package health discovers active debugging instances and probes each
// one at four ordered tiers: process liveness, TCP reachability, the
// debugging protocol's required endpoints, and the generated proxy
// route. A failing tier short-circuits the rest for that port, and the
// worst result across all ports becomes the fleet's overall state.
//
// Discovery is deliberately approximate over large port ranges: the
// hot sub-range at the start is scanned exhaustively, the rest is
// sampled at a configurable stride. Registry-tracked ports are always
// probed regardless of sampling.
package health

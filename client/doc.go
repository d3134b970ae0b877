// Package client submits tasks over the bus and waits for their
// aggregated result.
//
// A Client holds one subscription to the final topic. Each request
// registers a single-slot future under its task identifier before the
// request is published, so a result can never arrive unobserved. The
// first matching result resolves the future; later ones are ignored.
package client

// Package worker hosts worker endpoints: each endpoint subscribes its
// dispatch topic, runs a Handler on a bounded pool and publishes one
// ResultFragment tagged with its identity per dispatch.
package worker

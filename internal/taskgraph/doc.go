// Package taskgraph resolves named tasks to actions and runs them in
// dependency order.
//
// A Graph is an explicit value built from task definitions and validated when
// it is constructed: unknown prerequisites and cycles are configuration
// errors reported before anything runs. An Engine executes the closure of
// the requested tasks with a bounded worker pool. Each task runs at most once
// per invocation, a dependent never starts before all of its prerequisites
// have succeeded, and tasks whose targets are fresh are not executed.
package taskgraph

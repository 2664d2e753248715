// Package jobcontrol implements C11, the Job Controller: the glue that
// accepts requests, drives a Job through its lifecycle by invoking the
// AutoRouter, Shard Planner, Manifest Generator, and Reconciler, and
// surfaces read-only status. It owns no domain logic of its own beyond
// sequencing those calls and computing the terminal job outcome.
package jobcontrol

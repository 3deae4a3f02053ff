// Package stage defines the executor contract the worker pool runs and the
// concrete executors for each generation stage. Executors are pure with
// respect to job state: they read their payload, call one external
// collaborator, store artifacts, and report progress through a callback.
package stage

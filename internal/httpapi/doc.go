// Package httpapi exposes the job system over HTTP: job CRUD, submission,
// regeneration, and a server-sent-events progress stream, all scoped to the
// caller's tenant by the auth middleware.
package httpapi

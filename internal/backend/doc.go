// Package backend is a client for the REST collaborators that sit beside the
// realtime connection: session CRUD, conversation and message listing,
// workspace files and sandboxed code execution.
//
// All routes live under /api/v1. A 404 maps to ErrNotFound; any other non-2xx
// answer is a *StatusError carrying the backend's detail message.
//
// SyncSession pulls server-side conversations into the local store so a
// session opened in the console starts with its history.
package backend

// Package auth identifies callers of the gateway's HTTP API.
//
// Users present an HS256 JWT whose sub claim is their numeric user id
// (RequireUser). Machines present an API key of the form pk_<prefix>_<secret>
// in the X-API-Key header (RequireAPIKey); the prefix selects the stored key
// and the secret is checked against its bcrypt hash. Both middlewares attach
// an Identity readable with FromContext.
//
// Probe agents are not authenticated.
package auth

// Package auth authenticates callers of the Dexter HTTP API.
//
// Clients present an HS256 JWT in the Authorization header. Tokens are
// issued by the dexter-gateway "token" command with the configured
// jwt_secret, carry the issuer "dexter" and must have an expiry.
//
// Middleware rejects requests without a valid token with 401 and a JSON
// body. OptionalMiddleware attaches the caller when a token is valid and
// otherwise continues anonymously. Handlers read the caller with
// FromContext or SubjectFromContext.
//
// When no jwt_secret is configured the gateway serves the API without
// authentication.
package auth

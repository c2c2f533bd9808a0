// Package auth verifies bearer tokens on the gateway's entry points.
//
// Tokens are HS256-signed JWTs whose "sub" claim names the identity (a
// user id or an operator id). Browser websocket clients pass the token
// as a query parameter; everything else uses the Authorization header.
//
// An insecure mode accepts tokens verbatim for local development.
package auth

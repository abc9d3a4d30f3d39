// Package server hosts the Fiber HTTP service: the request middleware chain
// (panic recovery, request IDs, access logging) and the static route that
// serves cached asset copies under PublicPath. Integration and admin
// endpoints live in the routes subpackage and are registered on the *fiber.App
// returned by NewApp, so keep exports narrow and accept explicit dependencies.
package server

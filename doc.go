// Package sso implements the server side of a single-sign-on protocol:
// a central identity server issues short-lived tokens that let multiple
// consumer applications authenticate a user without each maintaining its
// own credential store.
//
// The protocol is a three-party handshake between the consumer backend,
// this server, and the end-user browser:
//
//  1. The consumer backend POSTs a signed request to the request-token
//     endpoint and receives a fresh request token.
//  2. The consumer redirects the browser to the authorize endpoint with
//     that token. If the browser carries no authenticated user, the flow
//     detours through the host application's login page and re-enters with
//     the same token. On success the token is bound to the user and the
//     browser is redirected back to the consumer with a signed access token.
//  3. The consumer backend exchanges the access token for the user's
//     profile on the verify endpoint, and later invalidates the session on
//     the logout endpoint.
//
// # Architecture
//
// This is a library, not a binary. The hosting application constructs a
// Server with injected storage backends and collaborators, wraps it in a
// Handler, and mounts the endpoint handlers on its own mux:
//
//	store := memory.New()
//	server, err := sso.NewServer(store, store, authn, sessions, directory, &sso.Config{
//		ServerURL: "https://sso.example.com",
//		LoginURL:  "/login/",
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	handler := sso.NewHandler(server, logger)
//	handler.RegisterRoutes(mux, "/server")
//
// The host application supplies three collaborators at construction:
//
//   - Authenticator resolves the browser's authenticated user and session
//     from the request (typically the host's session-cookie layer)
//   - SessionDestroyer kills a browser session on logout
//   - Directory resolves a bound user ID back to a full profile at verify
//     time
//
// Access decisions and consumer-specific profile extensions are injected
// through the AccessPolicy interface; DefaultPolicy grants every
// authenticated user and implements no extensions.
//
// # Security model
//
// Consumer-facing endpoints are authenticated by a shared-secret signature
// over the request payload (see the signed subpackage); signature failures
// are reported uniformly regardless of cause. Tokens are unguessable,
// usable for authorization only within TokenTimeout of their last touch,
// usable for verification only within TokenVerifyTimeout, and expire by
// deletion: an expired token is consumed, never retried. Logout cascades
// from the browser session to every token bound to it.
package sso

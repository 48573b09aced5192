// Package httputil provides HTTP utilities for JSON request and response
// handling and the middleware shared by the courier admin API.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, endpoint)
//	httputil.WriteCreated(w, endpoint)
//	httputil.WriteNotFoundError(w, err.Error())
//	httputil.WriteBadRequest(w, "invalid limit")
//
// # Request Parsing
//
//	var in webhooks.EndpointInput
//	if !httputil.ParseJSONOrError(w, r, &in) {
//		return // Error response already written
//	}
//
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//	pending, err := httputil.ParseQueryBool(r, "pending", false)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// RequestIDMiddleware must run first: it stores the request ID and the
// logger that the other middleware and handlers read through
// observability.FromContext.
package httputil

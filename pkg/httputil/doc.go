// Package httputil holds the JSON request and response helpers shared by the
// HTTP handlers of every component.
//
// Handlers parse input with ParseJSONOrError and the Parse*OrError helpers,
// which write a 400 response themselves and report whether the caller should
// continue:
//
//	var req CreateRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return
//	}
//
// Service errors are translated with an ErrorStatus table so that sentinel
// errors become stable status codes and internal failures never leak detail:
//
//	httputil.WriteMappedError(w, r, logger, err, rbac.ErrorStatuses)
//
// ActorMiddleware and RequestIDMiddleware move the upstream gateway headers
// into the request context (see pkg/contextkeys).
package httputil

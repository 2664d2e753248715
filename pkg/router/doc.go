// Package router is the C4 AutoRouter: a pure decide(request, quota,
// thresholds) function with no I/O, selecting between the per-item API
// route and the bulk pipeline route for a collection request.
package router

// Package httputil holds the JSON response and request helpers shared by
// every API handler, so error envelopes and status codes stay uniform.
package httputil

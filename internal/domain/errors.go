// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrInvalidRequest indicates a malformed or unusable request field.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound indicates the requested instance does not exist.
var ErrNotFound = errors.New("instance not found")

// ErrAlreadyExists indicates a healthy working copy or branch already
// exists for the correlation id.
var ErrAlreadyExists = errors.New("already exists")

// ErrCommitNotFound indicates the requested commit could not be resolved.
var ErrCommitNotFound = errors.New("commit not found")

// ErrResourceExhausted indicates no free port remains in the configured range.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrStartupTimeout indicates the agent process did not become ready in time.
var ErrStartupTimeout = errors.New("startup timeout")

// ErrContractUnavailable indicates the instance's API contract could not be
// fetched and the proxy is configured to fail closed.
var ErrContractUnavailable = errors.New("contract unavailable")

// ErrRequestRejected indicates a proxy request whose method and path are not
// declared by the instance's API contract. Never forwarded upstream.
var ErrRequestRejected = errors.New("request rejected by contract")

// ErrUpstreamUnavailable indicates the agent process could not be reached.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Kind returns the taxonomy name for a domain error, or "internal" when the
// error does not wrap a known sentinel.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrCommitNotFound):
		return "commit_not_found"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrStartupTimeout):
		return "startup_timeout"
	case errors.Is(err, ErrContractUnavailable):
		return "contract_unavailable"
	case errors.Is(err, ErrRequestRejected):
		return "request_rejected"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

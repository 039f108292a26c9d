// Package rfc9211 implements the Cache-Status response header field (RFC 9211).
package rfc9211

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdReasonMethod FwdReason = "method"
	// The cache did not contain any responses that matched the request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The request's semantics did not allow a stored response to be used
	// or the response to be stored.
	FwdReasonRequest FwdReason = "request"
)

// CacheStatus is a single Cache-Status list member.
type CacheStatus struct {
	// Identifies the cache, e.g. "ShellCache".
	Cache     string
	Status    Status
	FwdReason FwdReason
	// Status code of the forwarded response, 0 if not forwarded.
	FwdStatus int
	// Whether the response was stored.
	Stored bool
	Detail string
}

// String returns the header field value.
func (cs CacheStatus) String() string {
	params := []string{cs.Cache}
	switch cs.Status {
	case StatusHit:
		params = append(params, "hit")
	case StatusFwd:
		params = append(params, "fwd="+string(cs.FwdReason))
		if cs.FwdStatus != 0 {
			params = append(params, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
		}
	}
	if cs.Stored {
		params = append(params, "stored")
	}
	if cs.Detail != "" {
		params = append(params, fmt.Sprintf("detail=%q", cs.Detail))
	}
	return strings.Join(params, "; ")
}

package jira

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// APIError is returned for any non-2xx response from Jira.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("Jira API error: %s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("Jira API error: %s %s: %s - %s", e.Method, e.Path, e.Status, e.Body)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsUnauthorized reports a 401 response: the credential pair was rejected.
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }

// IsForbidden reports a 403 response.
func IsForbidden(err error) bool { return statusOf(err) == http.StatusForbidden }

// IsNotFound reports a 404 or 410 response.
func IsNotFound(err error) bool {
	s := statusOf(err)
	return s == http.StatusNotFound || s == http.StatusGone
}

// IsGone reports a 410 response.
func IsGone(err error) bool { return statusOf(err) == http.StatusGone }

// IsBadRequest reports a 400 response, which Jira uses for rejected JQL.
func IsBadRequest(err error) bool { return statusOf(err) == http.StatusBadRequest }

// ConnectivityError wraps transport failures: timeouts, DNS, refused
// connections and TLS handshakes.
type ConnectivityError struct {
	Op      string
	Kind    string // timeout, dns, connection, tls, canceled, network
	Timeout bool
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("jira %s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err carries a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func classifyTransportError(op string, err error) *ConnectivityError {
	ce := &ConnectivityError{Op: op, Kind: "network", Err: err}

	var (
		netErr  net.Error
		dnsErr  *net.DNSError
		opErr   *net.OpError
		certErr *tls.CertificateVerificationError
		uaErr   x509.UnknownAuthorityError
		hostErr x509.HostnameError
		recErr  tls.RecordHeaderError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ce.Kind, ce.Timeout = "timeout", true
	case errors.Is(err, context.Canceled):
		ce.Kind = "canceled"
	case errors.As(err, &dnsErr):
		ce.Kind = "dns"
	case errors.As(err, &certErr), errors.As(err, &uaErr), errors.As(err, &hostErr), errors.As(err, &recErr):
		ce.Kind = "tls"
	case errors.As(err, &netErr) && netErr.Timeout():
		ce.Kind, ce.Timeout = "timeout", true
	case errors.As(err, &opErr):
		ce.Kind = "connection"
	}
	return ce
}

// Attempt records the outcome of one rung of the query ladder.
type Attempt struct {
	JQL   string
	Total int
	Err   error
}

// LadderError is returned when no rung of the query ladder succeeded.
type LadderError struct {
	Project        string
	Attempts       []Attempt
	ShortCircuited bool
}

func (e *LadderError) Error() string {
	var details []string
	for i, a := range e.Attempts {
		reason := "no results"
		if a.Err != nil {
			reason = a.Err.Error()
		}
		details = append(details, fmt.Sprintf("query %d [%s]: %s", i+1, a.JQL, reason))
	}
	prefix := fmt.Sprintf("all %d queries failed for project %s", len(e.Attempts), e.Project)
	if e.ShortCircuited {
		prefix = fmt.Sprintf("project %s is gone; stopped after %d queries", e.Project, len(e.Attempts))
	}
	return prefix + "; last error details: " + strings.Join(details, "; ")
}

// Unwrap exposes every attempt's error to errors.Is and errors.As.
func (e *LadderError) Unwrap() []error {
	var errs []error
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

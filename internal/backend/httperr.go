package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// HTTPError is a non-2xx controller response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: controller http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Is maps status codes onto the error taxonomy.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// NewHTTPError reads at most 1KiB of the response body into an HTTPError.
func NewHTTPError(resp *http.Response) *HTTPError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	e := &HTTPError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		if resp.Request.URL != nil {
			e.Path = resp.Request.URL.Path
		}
	}
	return e
}

// IsAuthRejected reports whether the controller refused the session.
func IsAuthRejected(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden
	}
	return false
}

// IsTransient reports whether err is worth retrying: transport failures,
// timeouts, 5xx and 429. Auth rejections, other 4xx and inconsistent
// answers are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInconsistent) || errors.Is(err, ErrAuthFailed) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500 ||
			he.StatusCode == http.StatusTooManyRequests ||
			he.StatusCode == http.StatusRequestTimeout
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// Classify converts a failure into the taxonomy. Errors that already belong
// to it pass through unchanged; a controller refusing a request it cannot
// perform counts as unreachable.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnreachable),
		errors.Is(err, ErrAuthFailed),
		errors.Is(err, ErrInconsistent),
		errors.Is(err, ErrNotFound),
		IsPartial(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if IsAuthRejected(err) {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	var he *HTTPError
	if IsTransient(err) || errors.As(err, &he) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}

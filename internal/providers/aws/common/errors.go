package common

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ErrMalformedResponse marks an upstream response that lacks fields a typed
// view requires.
var ErrMalformedResponse = errors.New("malformed response")

// FetchError is a failed upstream call. Checks absorb it per resource; it
// only becomes a check fault when a check chooses to yield it.
type FetchError struct {
	Service   string
	Operation string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Operation, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Malformed returns a FetchError wrapping ErrMalformedResponse.
func Malformed(service, operation, detail string) error {
	return &FetchError{
		Service:   service,
		Operation: operation,
		Err:       fmt.Errorf("%w: %s", ErrMalformedResponse, detail),
	}
}

// ErrorCode returns the API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err says the requested resource does not exist.
func IsNotFound(err error) bool {
	switch ErrorCode(err) {
	case "ResourceNotFoundException", "ResourceNotFound", "NotFound",
		"NoSuchEntity", "NoSuchBucket", "NoSuchBucketPolicy",
		"ServerSideEncryptionConfigurationNotFoundError",
		"InvalidAMIID.NotFound", "InvalidAMIID.Unavailable",
		"InvalidInstanceID.NotFound", "InvalidGroup.NotFound",
		"DBInstanceNotFound", "LoadBalancerNotFound", "ListenerNotFound":
		return true
	}
	return false
}

// IsThrottling reports whether err is a throttling-class error worth
// retrying.
func IsThrottling(err error) bool {
	switch ErrorCode(err) {
	case "Throttling", "ThrottlingException", "ThrottledException",
		"RequestThrottled", "RequestThrottledException",
		"TooManyRequestsException", "ProvisionedThroughputExceededException",
		"RequestLimitExceeded", "SlowDown", "PriorRequestNotComplete",
		"EC2ThrottledException":
		return true
	}
	return false
}

// IsAccessDenied reports whether the credentials lack permission for the
// call.
func IsAccessDenied(err error) bool {
	switch ErrorCode(err) {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation",
		"UnrecognizedClientException", "AuthorizationError":
		return true
	}
	return false
}

// IsSubscriptionRequired reports whether the account is not subscribed to
// the service in this region.
func IsSubscriptionRequired(err error) bool {
	switch ErrorCode(err) {
	case "SubscriptionRequiredException", "OptInRequired":
		return true
	}
	return false
}

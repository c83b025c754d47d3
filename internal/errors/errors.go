// Package errors defines S3-compatible error values used by the emulator's
// XML surfaces (the S3 interop endpoint and signed URL requests).
package errors

import "fmt"

// S3Error is an S3 API error with a machine-readable code, human-readable
// message, and the HTTP status to return.
type S3Error struct {
	Code       string
	Message    string
	HTTPStatus int
}

// Error implements the error interface.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Pre-defined errors for the conditions the emulator reports.
var (
	ErrAccessDenied = &S3Error{
		Code:       "AccessDenied",
		Message:    "Access Denied",
		HTTPStatus: 403,
	}

	ErrNoSuchBucket = &S3Error{
		Code:       "NoSuchBucket",
		Message:    "The specified bucket does not exist",
		HTTPStatus: 404,
	}

	ErrNoSuchKey = &S3Error{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist",
		HTTPStatus: 404,
	}

	ErrBucketAlreadyExists = &S3Error{
		Code:       "BucketAlreadyExists",
		Message:    "The requested bucket name is not available",
		HTTPStatus: 409,
	}

	ErrBucketNotEmpty = &S3Error{
		Code:       "BucketNotEmpty",
		Message:    "The bucket you tried to delete is not empty",
		HTTPStatus: 409,
	}

	ErrInvalidAccessKeyId = &S3Error{
		Code:       "InvalidAccessKeyId",
		Message:    "The access key ID you provided does not exist in our records",
		HTTPStatus: 403,
	}

	ErrSignatureDoesNotMatch = &S3Error{
		Code:       "SignatureDoesNotMatch",
		Message:    "The request signature we calculated does not match the signature you provided",
		HTTPStatus: 403,
	}

	ErrRequestTimeTooSkewed = &S3Error{
		Code:       "RequestTimeTooSkewed",
		Message:    "The difference between the request time and the server's time is too large",
		HTTPStatus: 403,
	}

	ErrPreconditionFailed = &S3Error{
		Code:       "PreconditionFailed",
		Message:    "At least one of the preconditions you specified did not hold",
		HTTPStatus: 412,
	}

	ErrInvalidArgument = &S3Error{
		Code:       "InvalidArgument",
		Message:    "Invalid argument",
		HTTPStatus: 400,
	}

	ErrNotImplemented = &S3Error{
		Code:       "NotImplemented",
		Message:    "A header or query you provided requested a function that is not implemented",
		HTTPStatus: 501,
	}

	ErrInternalError = &S3Error{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again",
		HTTPStatus: 500,
	}
)

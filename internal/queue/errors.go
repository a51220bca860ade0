package queue

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// Storage error codes returned by the queue service.
const (
	codeQueueNotFound      = "QueueNotFound"
	codeQueueBeingDeleted  = "QueueBeingDeleted"
	codeQueueDisabled      = "QueueDisabled"
	codeMessageNotFound    = "MessageNotFound"
	codePopReceiptMismatch = "PopReceiptMismatch"
)

func responseError(err error) (*azcore.ResponseError, bool) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr, true
	}
	return nil, false
}

// IsNotFound reports whether the error is a 404 from the queue service.
func IsNotFound(err error) bool {
	respErr, ok := responseError(err)
	return ok && respErr.StatusCode == http.StatusNotFound
}

// IsBeingDeletedOrDisabled reports whether the error is a 409 conflict for a
// queue that is being deleted or is disabled.
func IsBeingDeletedOrDisabled(err error) bool {
	respErr, ok := responseError(err)
	if !ok || respErr.StatusCode != http.StatusConflict {
		return false
	}
	return respErr.ErrorCode == codeQueueBeingDeleted || respErr.ErrorCode == codeQueueDisabled
}

// IsServerSideError reports whether the error is a 5xx from the queue service.
func IsServerSideError(err error) bool {
	respErr, ok := responseError(err)
	return ok && respErr.StatusCode >= http.StatusInternalServerError
}

// IsTransient reports whether the error is one the listener treats as an
// empty/failed poll: retried indefinitely with backoff, never fatal.
func IsTransient(err error) bool {
	return IsNotFound(err) || IsBeingDeletedOrDisabled(err) || IsServerSideError(err)
}

// IsMessageGone reports whether the message no longer exists or the pop
// receipt is stale. Terminal for a visibility renewer: the message was
// deleted, expired, or redelivered to another consumer.
func IsMessageGone(err error) bool {
	respErr, ok := responseError(err)
	if !ok {
		return false
	}
	switch respErr.ErrorCode {
	case codeMessageNotFound, codePopReceiptMismatch:
		return true
	}
	return respErr.StatusCode == http.StatusNotFound
}

// IsCancellation reports whether the error is from cooperative cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

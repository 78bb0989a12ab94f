// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/breaker"
	"cmg/internal/gateway/catalog"
	"cmg/internal/gateway/idempotency"
	"cmg/internal/gateway/jobs"
	"cmg/internal/gateway/memory"
	"cmg/internal/gateway/store"
	"cmg/internal/gateway/upstream"
	"cmg/internal/gateway/usage"
)

// The closed set of wire error codes. Every failure leaving the gateway
// carries exactly one of these.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeAuthentication = "AUTHENTICATION_ERROR"
	CodeAuthorization  = "AUTHORIZATION_ERROR"
	CodeNotFound       = "RESOURCE_NOT_FOUND"
	CodeConflict       = "RESOURCE_CONFLICT"
	CodeRateLimited    = "RATE_LIMIT_EXCEEDED"
	CodeIntegration    = "INTEGRATION_ERROR"
	CodeSystem         = "SYSTEM_ERROR"
)

// apiError is a wire-ready failure: an HTTP status, a closed-set code and a
// message safe to show callers.
type apiError struct {
	Status  int         `json:"-"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *apiError) Error() string { return e.Message }

func badRequestErr(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: CodeValidation, Message: msg}
}

func validationErr(msg string) *apiError {
	return &apiError{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: msg}
}

func notFoundErr(msg string) *apiError {
	return &apiError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

// fromErr is the single mapping from domain errors to the closed code set.
// Handlers never pick status codes themselves; anything unrecognised is a
// SYSTEM_ERROR with the detail kept out of the reply.
func fromErr(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	// Resolution failures are caller mistakes; the message is safe verbatim.
	var resolveErr *catalog.ResolveError
	if errors.As(err, &resolveErr) {
		return &apiError{Status: http.StatusBadRequest, Code: CodeValidation, Message: resolveErr.Error()}
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			details = append(details, fmt.Sprintf("%s failed on %q", fe.Field(), fe.Tag()))
		}
		return &apiError{
			Status:  http.StatusUnprocessableEntity,
			Code:    CodeValidation,
			Message: "request body failed validation",
			Details: details,
		}
	}

	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return &apiError{Status: upErr.Status, Code: codeForStatus(upErr.Status), Message: upErr.Message}
	}

	switch {
	case errors.Is(err, auth.ErrNoCredentials),
		errors.Is(err, auth.ErrUnknownKey),
		errors.Is(err, auth.ErrKeyDisabled):
		// One message for every authentication failure so probing cannot
		// tell a missing key from a revoked one.
		return &apiError{Status: http.StatusUnauthorized, Code: CodeAuthentication, Message: "invalid or missing API key"}
	case errors.Is(err, usage.ErrQuotaExceeded):
		return &apiError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: "daily token quota exceeded"}
	case errors.Is(err, idempotency.ErrConflict):
		return &apiError{Status: http.StatusConflict, Code: CodeConflict, Message: idempotency.ErrConflict.Error()}
	case errors.Is(err, jobs.ErrFinished):
		return &apiError{Status: http.StatusConflict, Code: CodeConflict, Message: jobs.ErrFinished.Error()}
	case errors.Is(err, jobs.ErrNotFound):
		return notFoundErr(jobs.ErrNotFound.Error())
	case errors.Is(err, store.ErrNotFound):
		return notFoundErr("resource not found")
	case errors.Is(err, memory.ErrBadItemID):
		return badRequestErr(strings.TrimPrefix(memory.ErrBadItemID.Error(), "memory: "))
	case errors.Is(err, memory.ErrBadSignal):
		return validationErr(strings.TrimPrefix(memory.ErrBadSignal.Error(), "memory: "))
	case errors.Is(err, breaker.ErrOpen):
		return &apiError{Status: http.StatusServiceUnavailable, Code: CodeIntegration, Message: "model provider temporarily unavailable"}
	}
	return &apiError{Status: http.StatusInternalServerError, Code: CodeSystem, Message: "internal error"}
}

// codeForStatus picks the code for a passed-through upstream status.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return CodeAuthentication
	case status == http.StatusForbidden:
		return CodeAuthorization
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 400 && status < 500:
		return CodeValidation
	default:
		return CodeIntegration
	}
}

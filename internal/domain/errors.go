// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrSearchFailed = errors.New("search failed")
var ErrStoreUnavailable = errors.New("run store unavailable")
var ErrRegistrationFailed = errors.New("model registration failed")
var ErrMalformedRecord = errors.New("malformed run record")

var ErrInvalidStartParams = errors.New("invalid start params")
var ErrRunNotFound = errors.New("run not found")
var ErrRegistrationNotFound = errors.New("registration not found")
var ErrRegistrationNotFailed = errors.New("registration is not in FAILED state")

package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrMissingTenant means a call arrived without a tenant id. It is a
	// wiring problem on the caller's side, not bad user input.
	ErrMissingTenant = errors.New("tenant id is required")

	ErrRateLimited    = errors.New("too many notifications")
	ErrNotCancellable = errors.New("notification can no longer be cancelled")
)

// ValidationError lists the request fields that were rejected.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// RateLimitError is returned by Create when the user's window is full.
// It matches ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many notifications, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

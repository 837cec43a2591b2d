// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// UnknownHandler is the sentinel name the classifier returns when no
// registered handler fits.
const UnknownHandler = "unknown"

var (
	// ErrDuplicateHandler is returned when a name is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrHandlerNotFound is returned by MustGet-style lookups.
	ErrHandlerNotFound = errors.New("handler not registered")
)

// Registry maps canonical handler names to handlers.
//
// # Description
//
// Built once at startup, then read concurrently by the router and every
// worker. Registration after startup is allowed but expected to be rare.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry pre-populated with handlers.
//
// # Outputs
//
//   - *Registry: The registry.
//   - error: ErrDuplicateHandler or an invalid name.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds h under h.Name().
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return errors.New("handler must not be nil")
	}
	name := h.Name()
	if strings.TrimSpace(name) == "" {
		return errors.New("handler name must not be empty")
	}
	if strings.EqualFold(name, UnknownHandler) {
		return fmt.Errorf("handler name %q is reserved", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handlers returns the registered handlers sorted by name.
func (r *Registry) Handlers() []Handler {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(names))
	for _, name := range names {
		if h, ok := r.handlers[name]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

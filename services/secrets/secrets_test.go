// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretUseAndEqual(t *testing.T) {
	s := New("tvly-123")
	require.NotNil(t, s)
	assert.Len(t, s.ID(), 12)

	var seen string
	require.NoError(t, s.Use(func(p []byte) error {
		seen = string(p)
		return nil
	}))
	assert.Equal(t, "tvly-123", seen)
	assert.True(t, s.Equal([]byte("tvly-123")))
	assert.False(t, s.Equal([]byte("tvly-124")))
}

func TestNewEmptyIsNil(t *testing.T) {
	var s *Secret = New("")
	assert.Nil(t, s)
	assert.False(t, s.Equal([]byte("")))
	assert.Error(t, s.Use(func([]byte) error { return nil }))
}

func TestSetMatch(t *testing.T) {
	set := NewSet([]string{"alpha", "", "beta"})
	require.Len(t, set, 2)

	sec, ok := set.Match("beta")
	require.True(t, ok)
	assert.Equal(t, set[1].ID(), sec.ID())

	_, ok = set.Match("gamma")
	assert.False(t, ok)
	_, ok = set.Match("")
	assert.False(t, ok)
}

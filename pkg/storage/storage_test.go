// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	s, err := NewStore(TypeGomap, "")
	require.NoError(t, err)
	require.NoError(t, s.GetClient().Set("key", "value"))
	var v string
	found, err := s.GetClient().Get("key", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", v)

	_, err = NewStore("etcd", "127.0.0.1:2379")
	assert.Error(t, err)
}

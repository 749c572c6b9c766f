// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package random

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.Len(t, id, IDLength)
		for _, c := range id {
			require.Contains(t, []rune(charset), c)
		}
		require.False(t, ids[id])
		ids[id] = true
	}
}

func TestNewShortID(t *testing.T) {
	require.Len(t, NewShortID(8), 8)
	require.Empty(t, NewShortID(0))
	require.Panics(t, func() { NewShortID(IDLength + 1) })
}

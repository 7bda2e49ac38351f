// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffer_KeepsNewest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, b.Snapshot())
	assert.Equal(t, 3, b.Len())
	assert.EqualValues(t, 2, b.Overwritten())
}

func TestBuffer_PartiallyFilled(t *testing.T) {
	b := New[string](4)
	b.Push("a")
	b.Push("b")
	assert.Equal(t, []string{"a", "b"}, b.Snapshot())
}

func TestBuffer_Reset(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)
	assert.Equal(t, []int{2}, b.Snapshot())

	b.Reset()
	assert.Empty(t, b.Snapshot())
	assert.Zero(t, b.Overwritten())
}

package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeAggregates(t *testing.T) {
	tests := []struct {
		name       string
		items      []Item
		unresolved int
		want       Aggregates
	}{
		{
			name:  "no items",
			items: nil,
			want:  Aggregates{},
		},
		{
			name:       "single completed item",
			items:      []Item{{Status: ItemCompleted, TotalCount: 10, SuccessCount: 9}},
			unresolved: 1,
			want:       Aggregates{Total: 10, Success: 9, Failure: 1},
		},
		{
			name: "retry resolves part of the failures",
			items: []Item{
				{Status: ItemCompleted, TotalCount: 10, SuccessCount: 7},
				{Status: ItemCompleted, TotalCount: 2, SuccessCount: 2},
			},
			unresolved: 1,
			want:       Aggregates{Total: 10, Success: 9, Failure: 1},
		},
		{
			name: "success never exceeds total",
			items: []Item{
				{Status: ItemCompleted, TotalCount: 10, SuccessCount: 10},
				{Status: ItemCompleted, TotalCount: 10, SuccessCount: 10},
			},
			want: Aggregates{Total: 10, Success: 10, Failure: 0},
		},
		{
			name: "failed items do not add success",
			items: []Item{
				{Status: ItemCompleted, TotalCount: 10, SuccessCount: 4},
				{Status: ItemFailed, TotalCount: 0, SuccessCount: 8},
			},
			unresolved: 6,
			want:       Aggregates{Total: 10, Success: 4, Failure: 6},
		},
		{
			name:       "more unresolved than total",
			items:      []Item{{Status: ItemCompleted, TotalCount: 3, SuccessCount: 0}},
			unresolved: 5,
			want:       Aggregates{Total: 3, Success: 0, Failure: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeAggregates(tt.items, tt.unresolved))
		})
	}
}

func TestHasOpenItems(t *testing.T) {
	assert.False(t, hasOpenItems(nil))
	assert.False(t, hasOpenItems([]Item{{Status: ItemCompleted}, {Status: ItemFailed}}))
	assert.True(t, hasOpenItems([]Item{{Status: ItemCompleted}, {Status: ItemPending}}))
	assert.True(t, hasOpenItems([]Item{{Status: ItemRunning}}))
}

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPaginationParams(t *testing.T) {
	p := GetPaginationParams(0, -1)
	assert.Equal(t, DefaultLimit, p.Limit)
	assert.Equal(t, 0, p.Offset)

	p = GetPaginationParams(20, 40)
	assert.Equal(t, 20, p.Limit)
	assert.Equal(t, 40, p.Offset)

	p = GetPaginationParams(5000, 0)
	assert.Equal(t, MaxLimit, p.Limit)
}

func TestCalculateMeta(t *testing.T) {
	meta := CalculateMeta(100, PaginationParams{Limit: 20, Offset: 20})
	assert.Equal(t, 20, meta.Limit)
	assert.Equal(t, 20, meta.Offset)
	assert.Equal(t, int64(100), meta.TotalCount)
	assert.Equal(t, 5, meta.TotalPages)

	noLimit := CalculateMeta(15, PaginationParams{})
	assert.Equal(t, 15, noLimit.Limit)
	assert.Equal(t, 1, noLimit.TotalPages)
}

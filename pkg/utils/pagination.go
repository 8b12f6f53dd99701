package utils

import "math"

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// PaginationParams holds pagination request parameters
type PaginationParams struct {
	Limit  int `form:"limit" json:"limit"`
	Offset int `form:"offset" json:"offset"`
}

// GetPaginationParams applies defaults. A limit of 0 means DefaultLimit;
// values above MaxLimit are clamped.
func GetPaginationParams(limit, offset int) PaginationParams {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}
}

// PaginationMeta holds pagination response metadata
type PaginationMeta struct {
	Limit      int   `json:"limit"`
	Offset     int   `json:"offset"`
	TotalCount int64 `json:"totalCount"`
	TotalPages int   `json:"totalPages"`
}

// CalculateMeta generates pagination metadata
func CalculateMeta(totalCount int64, p PaginationParams) PaginationMeta {
	if p.Limit <= 0 {
		return PaginationMeta{Limit: int(totalCount), Offset: 0, TotalCount: totalCount, TotalPages: 1}
	}
	return PaginationMeta{
		Limit:      p.Limit,
		Offset:     p.Offset,
		TotalCount: totalCount,
		TotalPages: int(math.Ceil(float64(totalCount) / float64(p.Limit))),
	}
}

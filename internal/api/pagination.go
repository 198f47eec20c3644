package api

import (
	"net/http"
	"strconv"
)

// PaginationParams is the page window a list endpoint resolved from its
// query string. Offset is precomputed for the store's LIMIT/OFFSET pair.
type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// PaginatedResponse is the envelope every collection endpoint returns.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// PaginationMeta reports where the returned window sits in the full set.
type PaginationMeta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

// ParsePagination reads page and limit from the query string. Absent or
// malformed values fall back to page 1 and defaultLimit; limit is clamped
// to maxLimit so a caller cannot demand unbounded result sets.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	q := r.URL.Query()

	page := atoiOr(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	limit := atoiOr(q.Get("limit"), defaultLimit)
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	return PaginationParams{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// NewPaginatedResponse wraps one window of results with its position in
// the total set.
func NewPaginatedResponse(data interface{}, p PaginationParams, total int) PaginatedResponse {
	pages := (total + p.Limit - 1) / p.Limit
	if pages < 1 {
		pages = 1
	}

	return PaginatedResponse{
		Data: data,
		Pagination: PaginationMeta{
			Page:       p.Page,
			Limit:      p.Limit,
			Total:      total,
			TotalPages: pages,
			HasMore:    p.Page < pages,
		},
	}
}

package shared

import "math"

// Pagination describes one page of a listing. PerPage defaults to 20 and
// page numbers are 1-based; out-of-range pages yield an empty slice, not
// an error.
type Pagination struct {
	Page       int
	PerPage    int
	Total      int
	TotalPages int
}

// NewPagination normalizes page/perPage and derives the page count.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// Bounds returns the half-open [lo, hi) slice range for this page,
// clamped to the collection length.
func (p Pagination) Bounds() (lo, hi int) {
	lo = (p.Page - 1) * p.PerPage
	if lo > p.Total {
		lo = p.Total
	}
	hi = lo + p.PerPage
	if hi > p.Total {
		hi = p.Total
	}
	return lo, hi
}

package store

import "strconv"

// pgxRow abstracts over pgx.Row / pgx.Rows so scan helpers work with either.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func normalizeFilter(f ListFilter) (limit, offset int) {
	limit = f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

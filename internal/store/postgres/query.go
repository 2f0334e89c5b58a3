package postgres

import (
	"fmt"

	"github.com/alanyoungcy/lmsrbot/internal/domain"
)

// listQuery appends the time filter, newest-first ordering and pagination of
// opts to base. Leading args already bound by base are passed in args.
func listQuery(base, timeCol string, args []any, opts domain.ListOpts) (string, []any) {
	query := base
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY %s DESC", timeCol)

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	if args == nil {
		args = []any{}
	}
	return query, args
}

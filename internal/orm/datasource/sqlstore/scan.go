package sqlstore

import (
	"database/sql"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
)

// scanRows reads every row into a column map. Byte slices from text columns
// are copied into strings since the driver reuses the buffers.
func scanRows(rows *sql.Rows) ([]datasource.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := make([]datasource.Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		record := make(datasource.Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
				continue
			}
			record[col] = values[i]
		}
		results = append(results, record)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

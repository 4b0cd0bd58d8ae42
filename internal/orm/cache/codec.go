package cache

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
)

// Rows are stored as a BSON document {rows: [...]}. BSON keeps integer and
// time types apart, which a JSON round trip would not. Times are stored with
// millisecond precision.
type envelope struct {
	Rows []bson.M `bson:"rows"`
}

func encodeRows(rows []datasource.Row) ([]byte, error) {
	doc := envelope{Rows: make([]bson.M, len(rows))}
	for i, row := range rows {
		doc.Rows[i] = bson.M(row)
	}
	return bson.Marshal(doc)
}

func decodeRows(data []byte) ([]datasource.Row, error) {
	var doc envelope
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	rows := make([]datasource.Row, len(doc.Rows))
	for i, m := range doc.Rows {
		row := make(datasource.Row, len(m))
		for k, v := range m {
			row[k] = fromBSON(v)
		}
		rows[i] = row
	}
	return rows, nil
}

func fromBSON(v any) any {
	switch t := v.(type) {
	case int32:
		return int64(t)
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Binary:
		return t.Data
	case primitive.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = fromBSON(item)
		}
		return out
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

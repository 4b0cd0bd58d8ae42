package cache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/conduit-lang/relkit/internal/orm/datasource"
	"github.com/conduit-lang/relkit/internal/orm/entity"
	"github.com/conduit-lang/relkit/internal/orm/query"
)

// Key derives the cache key of a fetch request from its rendered
// statement and normalised arguments. Requests that differ only in
// their Populate hint share a key.
func Key(req datasource.FetchRequest) (string, error) {
	stmt, args, err := req.Statement(query.Postgres)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(stmt)
	for _, arg := range args {
		n := entity.Normalize(arg)
		fmt.Fprintf(&b, "\x00%T:%v", n, n)
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return "fetch:" + req.Table + ":" + hex.EncodeToString(sum[:16]), nil
}

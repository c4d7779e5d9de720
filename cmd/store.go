package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipv-detect/internal/store"
)

// openStore opens the configured store and brings its schema up to date.
// A database written by a newer build is refused.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

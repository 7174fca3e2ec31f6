package postgres

import (
	"github.com/meridianhq/ratekeeper/store"
)

func init() {
	store.Register("postgres", func(config any) (store.Store, error) {
		cfg, ok := config.(Config)
		if !ok {
			return nil, store.ErrInvalidConfig
		}
		if cfg.ConnString == "" {
			return nil, store.ErrInvalidConfig
		}
		return New(cfg)
	})
}

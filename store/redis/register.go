package redis

import (
	"github.com/meridianhq/ratekeeper/store"
)

func init() {
	store.Register("redis", func(config any) (store.Store, error) {
		cfg, ok := config.(Config)
		if !ok {
			return nil, store.ErrInvalidConfig
		}
		if cfg.Addr == "" {
			return nil, store.ErrInvalidConfig
		}
		return New(cfg)
	})
}

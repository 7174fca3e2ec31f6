package memory

import (
	"github.com/meridianhq/ratekeeper/store"
)

func init() {
	store.Register("memory", func(config any) (store.Store, error) {
		return New(), nil
	})
}

package account

import (
	"context"

	"github.com/yuanshang000/ds2api/pkg/config"
)

// ConfigRepository stores accounts in the server TOML config.
type ConfigRepository struct {
	store *config.ServerConfigStore
}

func NewConfigRepository(store *config.ServerConfigStore) *ConfigRepository {
	return &ConfigRepository{store: store}
}

func (r *ConfigRepository) GetAll(context.Context) ([]Account, []string, error) {
	snap := r.store.Snapshot()
	accounts := make([]Account, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		accounts = append(accounts, Account{
			Email:    a.Email,
			Mobile:   a.Mobile,
			Password: a.Password,
			Token:    a.Token,
		})
	}
	return accounts, append([]string(nil), snap.Keys...), nil
}

// Save writes tokens back by account identity. Accounts that were removed from
// the config since the pool loaded are not resurrected.
func (r *ConfigRepository) Save(ctx context.Context, accounts []Account, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tokens := make(map[string]string, len(accounts))
	for _, a := range accounts {
		tokens[a.ID()] = a.Token
	}
	return r.store.Update(func(c *config.ServerConfig) error {
		for i := range c.Accounts {
			if tok, ok := tokens[c.Accounts[i].Identifier()]; ok {
				c.Accounts[i].Token = tok
			}
		}
		if keys != nil {
			c.Keys = append([]string(nil), keys...)
		}
		return nil
	})
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dubwire/dubwire/internal/relay"
	"github.com/dubwire/dubwire/internal/store"
	"github.com/dubwire/dubwire/pkg/types"
)

const accountKey = "info"

// ErrNoAccount is returned by Account when no descriptor has been cached.
var ErrNoAccount = errors.New("session: no cached account")

// SaveAccount caches the account descriptor and broadcasts the change.
func (c *Coordinator) SaveAccount(ctx context.Context, info types.AccountInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("session: encode account: %w", err)
	}
	if err := c.cfg.Store.Put(ctx, store.NSAccount, accountKey, raw); err != nil {
		return fmt.Errorf("session: persist account: %w", err)
	}
	c.cfg.Relay.Publish(relay.Event{Type: relay.EventAuthChanged, Payload: info})
	return nil
}

// Account returns the cached account descriptor.
func (c *Coordinator) Account(ctx context.Context) (types.AccountInfo, error) {
	raw, err := c.cfg.Store.Get(ctx, store.NSAccount, accountKey)
	if errors.Is(err, store.ErrNotFound) {
		return types.AccountInfo{}, ErrNoAccount
	}
	if err != nil {
		return types.AccountInfo{}, err
	}
	var info types.AccountInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return types.AccountInfo{}, fmt.Errorf("session: decode account: %w", err)
	}
	return info, nil
}

// SignIn seals and stores the auth token, replacing any previous one.
func (c *Coordinator) SignIn(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("session: token must not be empty")
	}
	if err := c.cfg.Vault.SaveToken(ctx, token); err != nil {
		return err
	}
	c.cfg.Relay.Publish(relay.Event{Type: relay.EventAuthChanged})
	return nil
}

// SignOut stops any live session and wipes all locally persisted state:
// credential, account cache, quota snapshot, and mix preference.
func (c *Coordinator) SignOut(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	if err := c.cfg.Store.Clear(ctx); err != nil {
		return fmt.Errorf("session: clear local state: %w", err)
	}
	c.cfg.Relay.Publish(relay.Event{Type: relay.EventAuthChanged})
	return nil
}

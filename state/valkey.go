package state

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore keeps snapshots in a shared Valkey instance so state survives
// restarts and can be shared between replicas.
type ValkeyStore struct {
	client valkey.Client
}

func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (v *ValkeyStore) SaveSnapshot(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return v.client.Do(
		ctx, v.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Ex(ttl).
			Build(),
	).Error()
}

func (v *ValkeyStore) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	response := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := response.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return response.AsBytes()
}

package kvstream

import "context"

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// Handler is the subset of *service.KV required by the stream server.
// *service.KV satisfies this interface.
type Handler interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool)
	Pop(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) (int64, error)
	KeysWithPrefix(ctx context.Context, prefix string) []string
	Len(ctx context.Context) int64
}

package service

import (
	"github.com/i-melnichenko/walcache/internal/kv"
	"github.com/i-melnichenko/walcache/internal/wal"
)

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// Log is the durable record sink behind KV. *wal.Log satisfies it.
type Log interface {
	Append(cmd kv.Command) error
	Replay(dst wal.Applier) (int, error)
	Close() error
}

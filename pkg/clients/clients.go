// Package clients builds the store connections the three backend drivers
// need. It takes typed config structs only: no file or environment
// reads happen here, and no cloud identity provider lookups either.
// Callers populate RedisConfig/EtcdConfig themselves. There is no
// package-level singleton; a library has no business owning global
// connection state the way an application entrypoint does.
package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// RedisConfig configures the atomic-KV backend's store connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient constructs and pings a Redis client for the atomickv
// provider.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("clients: connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// EtcdConfig configures the server-lease and document-CAS backends'
// store connection.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
}

// NewEtcdClient constructs an etcd v3 client for the serverlease and
// documentcas providers.
func NewEtcdClient(cfg EtcdConfig) (*clientv3.Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("clients: connect etcd %v: %w", cfg.Endpoints, err)
	}
	return client, nil
}

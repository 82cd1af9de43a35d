package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix roots every varlink entry in etcd:
//
//	Key:   /varlink/{interface}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Entries are attached to a TTL lease, so a daemon that dies without
// deregistering disappears once the lease expires.
const KeyPrefix = "/varlink/"

// Etcd implements Registry on etcd v3.
type Etcd struct {
	client  *clientv3.Client
	timeout time.Duration
}

// NewEtcd connects to the given endpoints. dialTimeout also bounds each request.
func NewEtcd(endpoints []string, dialTimeout time.Duration) (*Etcd, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &Etcd{client: c, timeout: dialTimeout}, nil
}

func key(iface, addr string) string {
	return KeyPrefix + iface + "/" + addr
}

func prefix(iface string) string {
	return KeyPrefix + iface + "/"
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive in the background until Close.
//
// The lease ID stays local so that several servers can share one Etcd.
func (r *Etcd) Register(iface string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key(iface, instance.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key(iface, instance.Addr), err)
	}

	// KeepAlive outlives this call, so it gets the client's own context.
	ch, err := r.client.KeepAlive(r.client.Ctx(), lease.ID)
	if err != nil {
		return fmt.Errorf("keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes the instance; called on graceful shutdown.
func (r *Etcd) Deregister(iface string, addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.client.Delete(ctx, key(iface, addr)); err != nil {
		return fmt.Errorf("delete %s: %w", key(iface, addr), err)
	}
	return nil
}

// Discover lists every instance under the interface prefix.
func (r *Etcd) Discover(iface string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	instances, err := r.discover(ctx, iface)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%s: %w", iface, ErrNoInstances)
	}
	return instances, nil
}

func (r *Etcd) discover(ctx context.Context, iface string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, prefix(iface), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", prefix(iface), err)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under the interface prefix,
// including lease expirations. The channel closes with the client.
func (r *Etcd) Watch(iface string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	ctx := r.client.Ctx()
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, prefix(iface), clientv3.WithPrefix()) {
			instances, err := r.discover(ctx, iface)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops lease renewal and watches.
func (r *Etcd) Close() error {
	return r.client.Close()
}

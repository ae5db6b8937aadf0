package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdWatcher drives the Store from an etcd-backed config store: one watch
// channel per entity-kind prefix, reconnecting with exponential backoff on
// disconnection while the last-known snapshot remains authoritative the
// whole time — Store's in-memory collections are simply never touched
// during a disconnection.
type EtcdWatcher struct {
	client     *clientv3.Client
	store      *Store
	decoders   []EntityDecoder
	log        *slog.Logger
	backoffMin time.Duration
	backoffMax time.Duration
}

// NewEtcdWatcher connects to the given etcd endpoints and prepares the
// decoder table. It does not start watching until Run is called.
func NewEtcdWatcher(endpoints []string, dialTimeout time.Duration, backoffMin, backoffMax time.Duration, st *Store, log *slog.Logger) (*EtcdWatcher, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}

	w := &EtcdWatcher{client: cli, store: st, log: log, backoffMin: backoffMin, backoffMax: backoffMax}
	w.decoders = newDecoders(st)
	return w, nil
}

// SetPrefixes assigns the watched key prefix for each decoder, from
// config.Config.WatchPrefixes.
func (w *EtcdWatcher) SetPrefixes(prefixes map[string]string) {
	for i := range w.decoders {
		if p, ok := prefixes[string(w.decoders[i].Kind)]; ok {
			w.decoders[i].Prefix = p
		}
	}
}

// Run starts one watch goroutine per configured prefix and blocks until ctx
// is canceled.
func (w *EtcdWatcher) Run(ctx context.Context) error {
	for _, d := range w.decoders {
		if d.Prefix == "" {
			continue
		}
		go w.watchPrefix(ctx, d)
	}
	<-ctx.Done()
	return w.client.Close()
}

// watchPrefix watches one prefix, reconnecting with exponential backoff
// (capped) whenever the watch channel closes unexpectedly. The store is
// marked unhealthy only while actively reconnecting, not during steady
// watching.
func (w *EtcdWatcher) watchPrefix(ctx context.Context, d EntityDecoder) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.backoffMin
	bo.MaxInterval = w.backoffMax
	bo.MaxElapsedTime = 0 // retry forever; the store stays on last snapshot

	for {
		if ctx.Err() != nil {
			return
		}

		w.loadInitial(ctx, d)

		wc := w.client.Watch(ctx, d.Prefix, clientv3.WithPrefix())
		w.store.SetHealthy(true)
		bo.Reset()

		for resp := range wc {
			if resp.Err() != nil {
				w.log.Warn("etcd watch error", "prefix", d.Prefix, "error", resp.Err())
				break
			}
			for _, ev := range resp.Events {
				w.handleEvent(d, ev)
			}
		}

		if ctx.Err() != nil {
			return
		}

		w.store.SetHealthy(false)
		wait := bo.NextBackOff()
		w.log.Warn("etcd watch channel closed, reconnecting", "prefix", d.Prefix, "backoff", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// loadInitial performs a one-shot range read over the prefix so a freshly
// (re)connected watcher doesn't need to wait for the next mutation to see
// current state.
func (w *EtcdWatcher) loadInitial(ctx context.Context, d EntityDecoder) {
	resp, err := w.client.Get(ctx, d.Prefix, clientv3.WithPrefix())
	if err != nil {
		w.log.Warn("etcd initial load failed", "prefix", d.Prefix, "error", err)
		return
	}
	for _, kv := range resp.Kvs {
		id := entityID(d.Prefix, string(kv.Key))
		if err := d.Apply(id, kv.Value, false); err != nil {
			w.log.Warn("decoding entity during initial load", "prefix", d.Prefix, "key", string(kv.Key), "error", err)
		}
	}
}

func (w *EtcdWatcher) handleEvent(d EntityDecoder, ev *clientv3.Event) {
	id := entityID(d.Prefix, string(ev.Kv.Key))
	tombstone := ev.Type == clientv3.EventTypeDelete
	var value []byte
	if !tombstone {
		value = ev.Kv.Value
	}
	if err := d.Apply(id, value, tombstone); err != nil {
		w.log.Warn("decoding watch event", "prefix", d.Prefix, "key", string(ev.Kv.Key), "error", err)
	}
}

func entityID(prefix, key string) string {
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}


// Package discovery registers the coordinator's service locator in etcd so
// that enlisting servers and clients can find it without static
// configuration.
package discovery

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const coordinatorKey = "/ramstore/coordinator"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterCoordinator publishes the coordinator locator under a leased key
// that expires if the coordinator stops renewing it.
func RegisterCoordinator(cli *clientv3.Client, locator string, ttl int64) (clientv3.LeaseID, error) {
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, err
	}
	_, err = cli.Put(context.TODO(), coordinatorKey, locator, clientv3.WithLease(lease.ID))
	if err != nil {
		return 0, err
	}

	ch, err := cli.KeepAlive(context.TODO(), lease.ID)
	if err != nil {
		return 0, err
	}
	go func() {
		for range ch {
		}
	}()

	return lease.ID, nil
}

// LookupCoordinator resolves the registered coordinator locator.
func LookupCoordinator(cli *clientv3.Client) (string, error) {
	resp, err := cli.Get(context.TODO(), coordinatorKey)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("no coordinator registered")
	}
	return string(resp.Kvs[0].Value), nil
}

// Package rpc provides the arpc-backed transport the coordinator uses to
// reach cluster members: pooled connections, asynchronous membership update
// calls, and the bounded ping used by the failure detector.
package rpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lesismal/arpc"

	"github.com/DeltaLaboratory/ramstore/internal/coordinator"
	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

// updateCallTimeout bounds a single update call at the transport level; the
// updater applies its own, usually tighter, timeout on top and cancels.
const updateCallTimeout = time.Minute

// Pool keeps one arpc client per member, keyed by server id, and recycles
// connections when a member's locator changes.
type Pool struct {
	clients map[protocol.ServerId]*pooledClient
	mu      sync.RWMutex
}

type pooledClient struct {
	client  *arpc.Client
	locator string
}

func NewPool() *Pool {
	return &Pool{
		clients: make(map[protocol.ServerId]*pooledClient),
	}
}

func (p *Pool) getClient(id protocol.ServerId, locator string) (*pooledClient, error) {
	p.mu.RLock()
	pc, exists := p.clients[id]
	p.mu.RUnlock()

	if exists {
		if pc.locator == locator {
			return pc, nil
		}
		// Locator changed; drop the stale connection.
		p.mu.Lock()
		if pc, exists = p.clients[id]; exists && pc.locator != locator {
			pc.client.Stop()
			delete(p.clients, id)
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, exists = p.clients[id]; exists {
		return pc, nil
	}

	client, err := arpc.NewClient(func() (net.Conn, error) {
		return net.Dial("tcp", locator)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client for server %s: %w", id, err)
	}

	pc = &pooledClient{
		client:  client,
		locator: locator,
	}
	p.clients[id] = pc
	return pc, nil
}

// Remove drops the pooled connection for id, if any.
func (p *Pool) Remove(id protocol.ServerId) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, exists := p.clients[id]; exists {
		pc.client.Stop()
		delete(p.clients, id)
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pc := range p.clients {
		pc.client.Stop()
	}
	p.clients = make(map[protocol.ServerId]*pooledClient)
}

// updateCall runs one /membership/update call on its own goroutine so the
// updater can poll readiness cooperatively. Cancel abandons the call: the
// goroutine's eventual result is discarded.
type updateCall struct {
	done chan struct{}

	mu       sync.Mutex
	version  uint64
	err      error
	canceled bool
}

func (c *updateCall) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *updateCall) Wait() (uint64, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, c.err
}

func (c *updateCall) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
}

// SendUpdate implements coordinator.Transport.
func (p *Pool) SendUpdate(id protocol.ServerId, locator string,
	list *protocol.ServerList) (coordinator.UpdateCall, error) {

	pc, err := p.getClient(id, locator)
	if err != nil {
		return nil, err
	}

	call := &updateCall{done: make(chan struct{})}
	// The slot that owns list will be reused once the call is released, so
	// the goroutine works on its own copy.
	payload := *list
	go func() {
		defer close(call.done)

		var resp protocol.UpdateResponse
		err := pc.client.Call("/membership/update", &payload, &resp, updateCallTimeout)

		call.mu.Lock()
		defer call.mu.Unlock()
		if call.canceled {
			return
		}
		switch {
		case err != nil:
			call.err = fmt.Errorf("update call failed: %w", err)
		case resp.ServerNotUp:
			call.err = coordinator.ErrServerNotUp
		case resp.Error != "":
			call.err = fmt.Errorf("update rejected: %s", resp.Error)
		default:
			call.version = resp.Version
		}
	}()

	return call, nil
}

// Ping implements coordinator.Transport. An error means the target did not
// answer in time, which the failure detector treats as a verified failure.
func (p *Pool) Ping(id protocol.ServerId, locator string, timeout time.Duration) error {
	pc, err := p.getClient(id, locator)
	if err != nil {
		return err
	}

	var resp protocol.PingResponse
	if err := pc.client.Call("/ping", &protocol.PingRequest{}, &resp, timeout); err != nil {
		p.Remove(id)
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

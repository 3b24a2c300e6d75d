package blockchain

import (
	"fmt"
	"sync"

	"anypay.backend/internal/domain/entities"
)

var beforeGetEVMClientWriteLockHook = func(string) {}

// ClientFactory manages blockchain clients
type ClientFactory struct {
	evmClients map[string]*EVMClient
	mu         sync.RWMutex
}

// NewClientFactory creates a new client factory
func NewClientFactory() *ClientFactory {
	return &ClientFactory{
		evmClients: make(map[string]*EVMClient),
	}
}

// GetEVMClient returns an EVM client for the given RPC URL
// If a client already exists for the URL, it returns the cached client
func (f *ClientFactory) GetEVMClient(rpcURL string) (*EVMClient, error) {
	f.mu.RLock()
	client, ok := f.evmClients[rpcURL]
	f.mu.RUnlock()
	if ok {
		return client, nil
	}

	beforeGetEVMClientWriteLockHook(rpcURL)

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double check
	if client, ok := f.evmClients[rpcURL]; ok {
		return client, nil
	}

	newClient, err := NewEVMClient(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create EVM client: %w", err)
	}

	f.evmClients[rpcURL] = newClient
	return newClient, nil
}

// ForChain returns the client of a registry chain. The dialed endpoint must serve that chain.
func (f *ClientFactory) ForChain(chain entities.ChainInfo) (*EVMClient, error) {
	if chain.RPCURL == "" {
		return nil, fmt.Errorf("chain %d has no rpc url", chain.ChainID)
	}
	client, err := f.GetEVMClient(chain.RPCURL)
	if err != nil {
		return nil, err
	}
	if id := client.ChainID(); id != nil && id.IsUint64() && id.Uint64() != chain.ChainID {
		return nil, fmt.Errorf("rpc %s serves chain %s, expected %d", chain.RPCURL, id, chain.ChainID)
	}
	return client, nil
}

// RegisterEVMClient injects/overrides cached client for a specific rpcURL.
// Useful for deterministic unit tests.
func (f *ClientFactory) RegisterEVMClient(rpcURL string, client *EVMClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evmClients[rpcURL] = client
}

// Close closes every cached client
func (f *ClientFactory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for url, c := range f.evmClients {
		c.Close()
		delete(f.evmClients, url)
	}
}

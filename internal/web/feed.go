package web

import (
	"encoding/json"
	"log"
	"sync"

	"pdavault.mini/pdv/internal/host"
	"pdavault.mini/pdv/internal/ledger"
	"pdavault.mini/pdv/internal/types"
)

// AccountUpdate is one committed account, as sent on /ws/accounts.
type AccountUpdate struct {
	TxID    string                `json:"tx_id"`
	Type    types.TransactionType `json:"type"`
	Signer  types.Pubkey          `json:"signer"`
	Address types.Pubkey          `json:"address"`
	Account ledger.Account        `json:"account"`
}

type feedClient struct {
	ch     chan []byte
	filter map[types.Pubkey]bool // nil means every account
}

// accountFeed fans committed results out to websocket clients. Slow clients
// miss messages rather than stall execution.
type accountFeed struct {
	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

func newAccountFeed() *accountFeed {
	return &accountFeed{clients: make(map[*feedClient]struct{})}
}

func (f *accountFeed) register(filter map[types.Pubkey]bool) *feedClient {
	c := &feedClient{ch: make(chan []byte, 64), filter: filter}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	return c
}

func (f *accountFeed) unregister(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.ch)
	}
}

// closeAll disconnects every client.
func (f *accountFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		delete(f.clients, c)
		close(c.ch)
	}
}

// publish is registered with the executor.
func (f *accountFeed) publish(res host.Result) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.clients) == 0 {
		return
	}

	for _, w := range res.Accounts {
		msg, err := json.Marshal(AccountUpdate{
			TxID:    res.TxID,
			Type:    res.Type,
			Signer:  res.Signer,
			Address: w.Address,
			Account: w.Account,
		})
		if err != nil {
			log.Printf("WARN: encode account update: %v", err)
			continue
		}
		for c := range f.clients {
			if c.filter != nil && !c.filter[w.Address] {
				continue
			}
			select {
			case c.ch <- msg:
			default:
			}
		}
	}
}

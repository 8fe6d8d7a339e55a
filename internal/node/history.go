package node

import (
	"fmt"

	"github.com/ember-network/ember-chain/internal/chain"
	"github.com/ember-network/ember-chain/pkg/types"
)

// UnconfirmedHeight marks history rows whose transaction is still in the
// mempool.
const UnconfirmedHeight uint64 = 0

// FetchHistory returns the address's confirmed history rows merged with
// its unconfirmed mempool rows. When a point appears in both, the
// confirmed row wins. An address with no activity yields an empty,
// non-error result. Synchronous; do not call from a pool worker.
func (n *Node) FetchHistory(addr types.Address) ([]chain.Row, error) {
	if n.state.get() != StateStarted {
		return nil, ErrStopped
	}

	rows, err := n.store.FetchHistory(addr)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	type rowKey struct {
		kind  chain.RowKind
		point types.Outpoint
	}
	seen := make(map[rowKey]struct{}, len(rows))
	for _, r := range rows {
		seen[rowKey{r.Kind, r.Point}] = struct{}{}
	}

	outputs, spends := n.index.Query(addr)
	for _, e := range outputs {
		k := rowKey{chain.RowOutput, e.Point}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		rows = append(rows, chain.Row{
			Kind:   chain.RowOutput,
			Point:  e.Point,
			Height: UnconfirmedHeight,
			Value:  e.Value,
		})
	}
	for _, e := range spends {
		k := rowKey{chain.RowSpend, e.Point}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		rows = append(rows, chain.Row{
			Kind:   chain.RowSpend,
			Point:  e.Point,
			Height: UnconfirmedHeight,
			Value:  chain.SpendChecksum(e.PrevOut),
		})
	}

	return rows, nil
}

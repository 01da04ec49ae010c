package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"slabcore/internal/book"
	"slabcore/internal/portfolio"
	"slabcore/internal/reserve"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrUnknownAccount    = errors.New("unknown account")
)

// instrumentEntry bundles one listed contract's book, hold registry and
// risk parameters.
type instrumentEntry struct {
	idx    uint16
	book   *book.Book
	holds  *reserve.Registry
	risk   portfolio.RiskParams
}

// Registry owns the instrument and account tables. Account indexes are dense
// and assigned in first-seen order; the book stores only the compact index,
// the registry maps it back to the user id for ledger journals.
type Registry struct {
	instruments map[uint16]*instrumentEntry
	bySymbol    map[string]uint16

	users    map[uuid.UUID]uint32
	accounts []uuid.UUID
	folios   map[uint32]*portfolio.Portfolio

	// set while a dispatch is in flight; accessors stage the state they hand
	// out so a failed event can be rolled back
	txn *eventTxn
}

func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[uint16]*instrumentEntry),
		bySymbol:    make(map[string]uint16),
		users:       make(map[uuid.UUID]uint32),
		folios:      make(map[uint32]*portfolio.Portfolio),
	}
}

// ListInstrument creates the book and hold registry for a new contract.
// Tick and lot are immutable afterwards.
func (r *Registry) ListInstrument(idx uint16, inst book.Instrument, rp portfolio.RiskParams, batchMs uint64, holdCfg reserve.Config) error {
	if _, exists := r.instruments[idx]; exists {
		return fmt.Errorf("instrument %d already listed", idx)
	}
	r.instruments[idx] = &instrumentEntry{
		idx:   idx,
		book:  book.New(idx, inst, batchMs),
		holds: reserve.NewRegistry(holdCfg),
		risk:  rp,
	}
	r.bySymbol[inst.Symbol] = idx
	return nil
}

// Book returns the order book for an instrument.
func (r *Registry) Book(idx uint16) (*book.Book, error) {
	e, ok := r.instruments[idx]
	if !ok {
		return nil, fmt.Errorf("instrument %d: %w", idx, ErrUnknownInstrument)
	}
	if r.txn != nil {
		r.txn.stageInstrument(e)
	}
	return e.book, nil
}

// Holds returns the hold registry for an instrument.
func (r *Registry) Holds(idx uint16) (*reserve.Registry, error) {
	e, ok := r.instruments[idx]
	if !ok {
		return nil, fmt.Errorf("instrument %d: %w", idx, ErrUnknownInstrument)
	}
	if r.txn != nil {
		r.txn.stageInstrument(e)
	}
	return e.holds, nil
}

// InstrumentIdx resolves a symbol.
func (r *Registry) InstrumentIdx(symbol string) (uint16, bool) {
	idx, ok := r.bySymbol[symbol]
	return idx, ok
}

// Instruments returns every listed index.
func (r *Registry) Instruments() []uint16 {
	out := make([]uint16, 0, len(r.instruments))
	for idx := range r.instruments {
		out = append(out, idx)
	}
	return out
}

// SetRiskParams replaces an instrument's margin fractions.
func (r *Registry) SetRiskParams(idx uint16, rp portfolio.RiskParams) error {
	e, ok := r.instruments[idx]
	if !ok {
		return fmt.Errorf("instrument %d: %w", idx, ErrUnknownInstrument)
	}
	if r.txn != nil {
		r.txn.stageRisk(e)
	}
	e.risk = rp
	return nil
}

// MarkPrice implements portfolio.MarkTable from the books' index prices.
func (r *Registry) MarkPrice(idx uint16) (int64, bool) {
	e, ok := r.instruments[idx]
	if !ok {
		return 0, false
	}
	return e.book.Instrument.IndexPrice, true
}

// RiskParams implements portfolio.ParamsTable.
func (r *Registry) RiskParams(idx uint16) (portfolio.RiskParams, bool) {
	e, ok := r.instruments[idx]
	if !ok {
		return portfolio.RiskParams{}, false
	}
	return e.risk, true
}

// EnsureAccount returns the compact index for a user, assigning one and
// creating an empty portfolio on first sight.
func (r *Registry) EnsureAccount(user uuid.UUID) uint32 {
	if idx, ok := r.users[user]; ok {
		return idx
	}
	idx := uint32(len(r.accounts))
	r.users[user] = idx
	r.accounts = append(r.accounts, user)
	r.folios[idx] = portfolio.New(user, idx)
	return idx
}

// Portfolio returns the portfolio at an account index.
func (r *Registry) Portfolio(idx uint32) (*portfolio.Portfolio, error) {
	p, ok := r.folios[idx]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", idx, ErrUnknownAccount)
	}
	if r.txn != nil {
		r.txn.stageFolio(idx, p)
	}
	return p, nil
}

// UserAt maps an account index back to the user id.
func (r *Registry) UserAt(idx uint32) (uuid.UUID, error) {
	if int(idx) >= len(r.accounts) {
		return uuid.Nil, fmt.Errorf("account %d: %w", idx, ErrUnknownAccount)
	}
	return r.accounts[idx], nil
}

// AccountIdx resolves a user id without creating an account.
func (r *Registry) AccountIdx(user uuid.UUID) (uint32, bool) {
	idx, ok := r.users[user]
	return idx, ok
}

// Portfolios returns every portfolio, for snapshotting and funding sweeps.
func (r *Registry) Portfolios() []*portfolio.Portfolio {
	out := make([]*portfolio.Portfolio, 0, len(r.folios))
	for i := uint32(0); int(i) < len(r.accounts); i++ {
		p := r.folios[i]
		if r.txn != nil {
			r.txn.stageFolio(i, p)
		}
		out = append(out, p)
	}
	return out
}

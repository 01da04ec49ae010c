package engine

import (
	"slabcore/internal/book"
	"slabcore/internal/ledger"
	"slabcore/internal/portfolio"
	"slabcore/internal/reserve"
)

// eventTxn stages a copy of every piece of state one dispatch touches, so a
// failed event can be discarded wholesale: either every mutation of an event
// lands, or none does. Copies are taken lazily on first access through the
// registry and on the batch commit path; rollback swaps the untouched copies
// back in and restores the scalar cursors.
type eventTxn struct {
	accountsMark int
	journalSeq   int64

	books    map[uint16]*book.Book
	holds    map[uint16]*reserve.Registry
	risks    map[uint16]portfolio.RiskParams
	folios   map[uint32]*portfolio.Portfolio
	balances map[ledger.AccountKey]int64
}

func (e *Engine) beginTxn() *eventTxn {
	t := &eventTxn{
		accountsMark: len(e.registry.accounts),
		journalSeq:   e.journalGen.Sequence(),
		books:        make(map[uint16]*book.Book),
		holds:        make(map[uint16]*reserve.Registry),
		risks:        make(map[uint16]portfolio.RiskParams),
		folios:       make(map[uint32]*portfolio.Portfolio),
		balances:     make(map[ledger.AccountKey]int64),
	}
	e.registry.txn = t
	return t
}

func (e *Engine) endTxn() {
	e.registry.txn = nil
}

// stageInstrument snapshots a book and its hold registry before first use.
// The two travel together: every hold mutation pins or consumes book depth.
func (t *eventTxn) stageInstrument(en *instrumentEntry) {
	if _, ok := t.books[en.idx]; ok {
		return
	}
	t.books[en.idx] = en.book.Clone()
	t.holds[en.idx] = en.holds.Clone()
}

// stageRisk records an instrument's margin fractions before replacement.
func (t *eventTxn) stageRisk(en *instrumentEntry) {
	if _, ok := t.risks[en.idx]; ok {
		return
	}
	t.risks[en.idx] = en.risk
}

// stageFolio snapshots a portfolio before first use.
func (t *eventTxn) stageFolio(idx uint32, p *portfolio.Portfolio) {
	if _, ok := t.folios[idx]; ok {
		return
	}
	t.folios[idx] = p.Clone()
}

// stageBalances records the pre-apply balance of every account a batch
// touches; the first touch wins, later batches in the same event see the
// entry already present.
func (t *eventTxn) stageBalances(tracker *ledger.BalanceTracker, batch *ledger.Batch) {
	for _, j := range batch.Journals {
		if _, ok := t.balances[j.DebitAccount]; !ok {
			t.balances[j.DebitAccount] = tracker.GetBalance(j.DebitAccount)
		}
		if _, ok := t.balances[j.CreditAccount]; !ok {
			t.balances[j.CreditAccount] = tracker.GetBalance(j.CreditAccount)
		}
	}
}

// rollback restores the pre-dispatch state: staged copies replace the live
// objects, balances and the journal cursor rewind, and accounts the failed
// event created are dropped. The engine sequence and hash chain only advance
// after a successful dispatch, so they need no undo.
func (e *Engine) rollback(t *eventTxn) {
	for idx, b := range t.books {
		e.registry.instruments[idx].book = b
	}
	for idx, h := range t.holds {
		e.registry.instruments[idx].holds = h
	}
	for idx, rp := range t.risks {
		e.registry.instruments[idx].risk = rp
	}
	for idx, p := range t.folios {
		e.registry.folios[idx] = p
	}
	for key, bal := range t.balances {
		e.tracker.SetBalance(key, bal)
	}
	for i := t.accountsMark; i < len(e.registry.accounts); i++ {
		delete(e.registry.users, e.registry.accounts[i])
		delete(e.registry.folios, uint32(i))
	}
	e.registry.accounts = e.registry.accounts[:t.accountsMark]
	e.journalGen.SetSequence(t.journalSeq)
}

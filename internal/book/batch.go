package book

// BatchOpen advances the batch epoch, stamps the batch window, and promotes
// every pending order whose eligible epoch has arrived. Promotion preserves
// relative time priority: orders enter the live book in original submission
// order (pending queue order equals submission order, and order ids were
// assigned at submission).
func (b *Book) BatchOpen(currentTs uint64) (uint64, []*Order, error) {
	b.epoch++
	b.batchOpenMs = currentTs
	b.freezeUntilMs = currentTs + b.batchMs

	var promoted []*Order
	remaining := b.pending[:0]
	for _, o := range b.pending {
		if o.EligibleEpoch <= b.epoch {
			if err := b.insertSorted(o); err != nil {
				// side at capacity: the order stays pending for a later batch
				remaining = append(remaining, o)
				continue
			}
			o.State = OrderLive
			promoted = append(promoted, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	for i := len(remaining); i < len(b.pending); i++ {
		b.pending[i] = nil
	}
	b.pending = remaining

	if len(promoted) > 0 {
		b.bumpSeqno()
	}
	return b.epoch, promoted, nil
}

// FreezeUntilMs returns the end of the current batch's freeze window.
func (b *Book) FreezeUntilMs() uint64 { return b.freezeUntilMs }

// PendingCount returns the number of orders waiting for a future epoch.
func (b *Book) PendingCount() int { return len(b.pending) }

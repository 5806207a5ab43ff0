package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"campaignq/internal/clock"
	"campaignq/internal/storage"
	logx "campaignq/pkg/logx"

	"github.com/google/uuid"
)

type QueueOptions struct {
	// Store receives every item mutation. Nil keeps items in memory only.
	Store storage.ItemStore
	Clock clock.Clock
	Log   logx.Logger
}

// Queue holds items per campaign ordered by (priority, arrival).
// Items are shared with nobody: every accessor returns copies.
type Queue struct {
	mu        sync.RWMutex
	campaigns map[string]*campaignQueue
	byID      map[string]*QueueItem
	seq       int64
	claimed   map[string]struct{}

	store storage.ItemStore
	clk   clock.Clock
	log   logx.Logger

	enqueued map[string]struct{}
	signal   chan struct{}
}

type campaignQueue struct {
	meta  Campaign
	items []*QueueItem
}

func NewQueue(opt QueueOptions) *Queue {
	if opt.Clock == nil {
		opt.Clock = clock.Real()
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Queue{
		campaigns: map[string]*campaignQueue{},
		byID:      map[string]*QueueItem{},
		claimed:   map[string]struct{}{},
		store:     opt.Store,
		clk:       opt.Clock,
		log:       opt.Log,
		enqueued:  map[string]struct{}{},
		signal:    make(chan struct{}, 1),
	}
}

// Enqueue creates one pending item per recipient with a non-empty address.
// Rejected recipients are reported as joined *InvalidRecipientError values;
// the valid ones are still enqueued and returned.
func (q *Queue) Enqueue(ctx context.Context, c Campaign, recipients []Recipient) ([]QueueItem, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return nil, errors.New("campaign id is required")
	}
	var rejects []error
	now := q.clk.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	created := make([]*QueueItem, 0, len(recipients))
	for i, r := range recipients {
		addr := strings.TrimSpace(r.Address)
		if addr == "" {
			rejects = append(rejects, &InvalidRecipientError{CampaignID: c.ID, RecipientID: r.ID, Index: i, Reason: "empty address"})
			continue
		}
		q.seq++
		created = append(created, &QueueItem{
			ID:          uuid.NewString(),
			CampaignID:  c.ID,
			RecipientID: r.ID,
			Address:     addr,
			DisplayName: strings.TrimSpace(r.DisplayName),
			Status:      StatusPending,
			Priority:    r.Priority,
			Seq:         q.seq,
			CreatedAt:   now,
			Payload:     payloadFor(c, r),
		})
	}
	if len(created) == 0 {
		return nil, errors.Join(rejects...)
	}

	if q.store != nil {
		recs := make([]storage.ItemRecord, len(created))
		for i, it := range created {
			recs[i] = toRecord(it)
		}
		if err := q.store.PutItems(ctx, recs); err != nil {
			return nil, errors.Join(append([]error{&JournalError{Op: "put", Err: err}}, rejects...)...)
		}
	}

	cq := q.campaignLocked(c.ID)
	cq.meta = c
	for _, it := range created {
		q.byID[it.ID] = it
		cq.items = append(cq.items, it)
	}
	sortItems(cq.items)

	q.enqueued[c.ID] = struct{}{}
	select {
	case q.signal <- struct{}{}:
	default:
	}

	out := make([]QueueItem, len(created))
	for i, it := range created {
		out[i] = *it
	}
	q.log.Debug("items enqueued", logx.Campaign(c.ID), logx.Int("count", len(out)), logx.Int("rejected", len(rejects)))
	return out, errors.Join(rejects...)
}

// NextPending returns up to max pending items in dispatch order without changing them.
func (q *Queue) NextPending(campaignID string, max int) []QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pendingLocked(campaignID, max, false)
}

// claim is NextPending that also hides the returned items from later claims
// until they are finalized or unclaimed. It keeps two loops for one campaign
// from attempting the same item.
func (q *Queue) claim(campaignID string, max int) []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pendingLocked(campaignID, max, true)
	for _, it := range out {
		q.claimed[it.ID] = struct{}{}
	}
	return out
}

func (q *Queue) unclaim(ids []string) {
	if len(ids) == 0 {
		return
	}
	q.mu.Lock()
	for _, id := range ids {
		delete(q.claimed, id)
	}
	q.mu.Unlock()
}

func (q *Queue) pendingLocked(campaignID string, max int, skipClaimed bool) []QueueItem {
	cq := q.campaigns[campaignID]
	if cq == nil || max <= 0 {
		return nil
	}
	var out []QueueItem
	for _, it := range cq.items {
		if it.Status != StatusPending {
			continue
		}
		if skipClaimed {
			if _, ok := q.claimed[it.ID]; ok {
				continue
			}
		}
		out = append(out, *it)
		if len(out) == max {
			break
		}
	}
	return out
}

// MarkResult finalizes a pending item. A second call on a finalized item is a
// no-op and reports changed == false.
func (q *Queue) MarkResult(ctx context.Context, itemID string, outcome Status, res Result) (bool, error) {
	if !outcome.Final() {
		return false, ErrInvalidOutcome
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.byID[itemID]
	if it == nil {
		return false, ErrUnknownItem
	}
	delete(q.claimed, itemID)
	if it.Status.Final() {
		return false, nil
	}
	it.Status = outcome
	it.MessageID = res.MessageID
	if outcome == StatusSent {
		it.SentAt = q.clk.Now()
		it.Error = ""
	} else {
		it.Error = res.Error
	}
	if q.store != nil {
		if err := q.store.PutItems(ctx, []storage.ItemRecord{toRecord(it)}); err != nil {
			return true, &JournalError{Op: "put", Err: err}
		}
	}
	return true, nil
}

// Snapshot counts items by status. It carries no estimate.
func (q *Queue) Snapshot(campaignID string) Progress {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var p Progress
	cq := q.campaigns[campaignID]
	if cq == nil {
		return p
	}
	for _, it := range cq.items {
		switch it.Status {
		case StatusSent:
			p.Sent++
		case StatusFailed:
			p.Failed++
		default:
			p.Pending++
		}
	}
	p.Total = len(cq.items)
	return p
}

// DiscardPending drops every pending item of the campaign and returns how many.
// Sent and failed items are kept.
func (q *Queue) DiscardPending(ctx context.Context, campaignID string) (int, error) {
	return q.discardPending(ctx, campaignID, false)
}

// discardPending with keepClaimed leaves items a live loop holds, so an
// in-flight send can still record its result.
func (q *Queue) discardPending(ctx context.Context, campaignID string, keepClaimed bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq := q.campaigns[campaignID]
	if cq == nil {
		return 0, nil
	}
	var ids []string
	kept := cq.items[:0]
	for _, it := range cq.items {
		_, claimed := q.claimed[it.ID]
		if it.Status == StatusPending && !(keepClaimed && claimed) {
			ids = append(ids, it.ID)
			delete(q.byID, it.ID)
			delete(q.claimed, it.ID)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(cq.items); i++ {
		cq.items[i] = nil
	}
	cq.items = kept
	if len(ids) > 0 && q.store != nil {
		if err := q.store.DeleteItems(ctx, ids); err != nil {
			return len(ids), &JournalError{Op: "delete", Err: err}
		}
	}
	return len(ids), nil
}

// Requeue appends a new pending copy of every failed item that has not been
// requeued yet. The failed items stay in the journal and point at their copy,
// so Total grows by the number requeued.
func (q *Queue) Requeue(ctx context.Context, campaignID string) ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq := q.campaigns[campaignID]
	if cq == nil {
		return nil, ErrUnknownCampaign
	}
	now := q.clk.Now()
	var (
		fresh []*QueueItem
		old   []*QueueItem
	)
	for _, it := range cq.items {
		if it.Status != StatusFailed || it.RequeuedAs != "" {
			continue
		}
		q.seq++
		n := *it
		n.ID = uuid.NewString()
		n.Status = StatusPending
		n.Seq = q.seq
		n.CreatedAt = now
		n.Error = ""
		n.MessageID = ""
		fresh = append(fresh, &n)
		old = append(old, it)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if q.store != nil {
		recs := make([]storage.ItemRecord, 0, 2*len(fresh))
		for i, it := range fresh {
			prev := toRecord(old[i])
			prev.RequeuedAs = it.ID
			recs = append(recs, toRecord(it), prev)
		}
		if err := q.store.PutItems(ctx, recs); err != nil {
			return nil, &JournalError{Op: "put", Err: err}
		}
	}
	out := make([]QueueItem, len(fresh))
	for i, it := range fresh {
		old[i].RequeuedAs = it.ID
		q.byID[it.ID] = it
		cq.items = append(cq.items, it)
		out[i] = *it
	}
	sortItems(cq.items)
	return out, nil
}

// Restore replaces the in-memory queue with the item journal.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	recs, err := q.store.LoadItems(ctx)
	if err != nil {
		return &JournalError{Op: "load", Err: err}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.campaigns = map[string]*campaignQueue{}
	q.byID = map[string]*QueueItem{}
	q.claimed = map[string]struct{}{}
	q.seq = 0
	for _, r := range recs {
		it := fromRecord(r)
		if it.Seq > q.seq {
			q.seq = it.Seq
		}
		cq := q.campaignLocked(it.CampaignID)
		if cq.meta.ID == "" {
			cq.meta = Campaign{ID: it.CampaignID, Subject: it.Payload.Subject, SenderName: it.Payload.SenderName, SenderEmail: it.Payload.SenderEmail}
		}
		q.byID[it.ID] = it
		cq.items = append(cq.items, it)
	}
	for _, cq := range q.campaigns {
		sortItems(cq.items)
	}
	q.log.Info("queue restored", logx.Int("items", len(recs)), logx.Int("campaigns", len(q.campaigns)))
	return nil
}

// Campaigns returns the known campaign ids, sorted.
func (q *Queue) Campaigns() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.campaigns))
	for id := range q.campaigns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (q *Queue) Known(campaignID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.campaigns[campaignID]
	return ok
}

// Items returns copies of the campaign's items in dispatch order.
func (q *Queue) Items(campaignID string) []QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	cq := q.campaigns[campaignID]
	if cq == nil {
		return nil
	}
	out := make([]QueueItem, len(cq.items))
	for i, it := range cq.items {
		out[i] = *it
	}
	return out
}

func (q *Queue) Item(id string) (QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	it := q.byID[id]
	if it == nil {
		return QueueItem{}, false
	}
	return *it, true
}

// Enqueued is signalled after every successful Enqueue. Use TakeEnqueued to
// learn which campaigns received items.
func (q *Queue) Enqueued() <-chan struct{} { return q.signal }

func (q *Queue) TakeEnqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.enqueued))
	for id := range q.enqueued {
		out = append(out, id)
	}
	clear(q.enqueued)
	sort.Strings(out)
	return out
}

func (q *Queue) campaignLocked(id string) *campaignQueue {
	cq := q.campaigns[id]
	if cq == nil {
		cq = &campaignQueue{meta: Campaign{ID: id}}
		q.campaigns[id] = cq
	}
	return cq
}

func sortItems(items []*QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority < items[j].Priority
		}
		return items[i].Seq < items[j].Seq
	})
}

func payloadFor(c Campaign, r Recipient) Payload {
	p := Payload{Subject: c.Subject, Body: c.Body, SenderName: c.SenderName, SenderEmail: c.SenderEmail}
	if s := strings.TrimSpace(r.Subject); s != "" {
		p.Subject = s
	}
	if r.Body != "" {
		p.Body = r.Body
	}
	return p
}

func toRecord(it *QueueItem) storage.ItemRecord {
	return storage.ItemRecord{
		ID:          it.ID,
		CampaignID:  it.CampaignID,
		RecipientID: it.RecipientID,
		Address:     it.Address,
		DisplayName: it.DisplayName,
		Status:      string(it.Status),
		Priority:    it.Priority,
		Seq:         it.Seq,
		CreatedAt:   it.CreatedAt,
		SentAt:      it.SentAt,
		Error:       it.Error,
		MessageID:   it.MessageID,
		RequeuedAs:  it.RequeuedAs,
		Subject:     it.Payload.Subject,
		Body:        it.Payload.Body,
		SenderName:  it.Payload.SenderName,
		SenderEmail: it.Payload.SenderEmail,
	}
}

func fromRecord(r storage.ItemRecord) *QueueItem {
	st := Status(r.Status)
	if st != StatusSent && st != StatusFailed {
		st = StatusPending
	}
	return &QueueItem{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		RecipientID: r.RecipientID,
		Address:     r.Address,
		DisplayName: r.DisplayName,
		Status:      st,
		Priority:    r.Priority,
		Seq:         r.Seq,
		CreatedAt:   r.CreatedAt,
		SentAt:      r.SentAt,
		Error:       r.Error,
		MessageID:   r.MessageID,
		RequeuedAs:  r.RequeuedAs,
		Payload: Payload{
			Subject:     r.Subject,
			Body:        r.Body,
			SenderName:  r.SenderName,
			SenderEmail: r.SenderEmail,
		},
	}
}

package viewer

import (
	"sort"
	"sync"
	"time"

	"github.com/metastream/live/internal/comments"
)

const (
	// DefaultRevealWindow spreads an incremental batch over this window.
	DefaultRevealWindow = 3 * time.Second
	// DefaultMaxStaggered caps how many comments one incremental poll reveals.
	DefaultMaxStaggered = 3
)

// FeedItem is one rendered comment.
type FeedItem struct {
	Comment comments.Comment
	Own     bool
}

// Reveal schedules one comment to appear after Delay.
type Reveal struct {
	Comment comments.Comment
	Delay   time.Duration
}

// Plan describes what the caller should render for one poll response.
type Plan struct {
	Reset     bool
	Immediate []comments.Comment
	Staggered []Reveal
}

// Empty reports whether the plan has nothing to render.
func (p Plan) Empty() bool {
	return !p.Reset && len(p.Immediate) == 0 && len(p.Staggered) == 0
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	RevealWindow time.Duration
	MaxStaggered int
}

// Feed is the client-side reconciliation state for one stream: rendered
// comments in id order, the id set, the delivery cursor, and the last
// observed allow-comments flag.
type Feed struct {
	window       time.Duration
	maxStaggered int

	mu          sync.Mutex
	items       []FeedItem
	seen        map[int64]struct{}
	pending     map[int64]struct{}
	cursor      int64
	allowKnown  bool
	allow       bool
	floorMillis int64
}

// NewFeed returns an empty feed.
func NewFeed(cfg FeedConfig) *Feed {
	window := cfg.RevealWindow
	if window <= 0 {
		window = DefaultRevealWindow
	}
	maxStaggered := cfg.MaxStaggered
	if maxStaggered <= 0 {
		maxStaggered = DefaultMaxStaggered
	}
	return &Feed{
		window:       window,
		maxStaggered: maxStaggered,
		seen:         make(map[int64]struct{}),
		pending:      make(map[int64]struct{}),
	}
}

// Cursor returns the highest reconciled comment id.
func (f *Feed) Cursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// AllowComments returns the last observed flag; true before the first poll.
func (f *Feed) AllowComments() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.allowKnown || f.allow
}

// Items returns a copy of the rendered comments.
func (f *Feed) Items() []FeedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FeedItem, len(f.items))
	copy(out, f.items)
	return out
}

// Apply reconciles one poll response taken at now and returns the render plan.
// Immediate comments are already in the feed when Apply returns; staggered ones
// join it through Reveal.
func (f *Feed) Apply(update Update, now time.Time) Plan {
	f.mu.Lock()
	defer f.mu.Unlock()

	var plan Plan
	wasKnown, wasAllowed := f.allowKnown, f.allow
	f.allowKnown, f.allow = true, update.AllowComments

	if wasKnown && wasAllowed && !update.AllowComments {
		f.clear()
		plan.Reset = true
		return plan
	}
	if !update.AllowComments {
		return plan
	}
	if wasKnown && !wasAllowed {
		// Everything in the first response after re-enabling predates it.
		f.clear()
		f.floorMillis = now.UnixMilli()
		for _, comment := range update.Comments {
			f.seen[comment.ID] = struct{}{}
			if comment.ID > f.cursor {
				f.cursor = comment.ID
			}
		}
		plan.Reset = true
		return plan
	}

	// A cursor of 0 is what the server answers as an initial load, whatever
	// earlier empty polls returned.
	initial := f.cursor == 0 && len(f.pending) == 0
	fresh := f.fresh(update.Comments)
	if len(fresh) == 0 {
		return plan
	}
	for _, comment := range fresh {
		f.seen[comment.ID] = struct{}{}
	}
	if initial {
		for _, comment := range fresh {
			f.insert(FeedItem{Comment: comment})
		}
		plan.Immediate = fresh
		return plan
	}

	batch := fresh
	if len(batch) > f.maxStaggered {
		batch = batch[len(batch)-f.maxStaggered:]
	}
	// Comments trimmed from the batch are never shown; the last revealed one
	// carries the cursor past them.
	step := f.window / time.Duration(len(batch))
	for i, comment := range batch {
		f.pending[comment.ID] = struct{}{}
		plan.Staggered = append(plan.Staggered, Reveal{Comment: comment, Delay: time.Duration(i) * step})
	}
	return plan
}

// Reveal adds a staggered comment to the feed and advances the cursor. It
// returns false when the comment is no longer expected, e.g. after a reset.
func (f *Feed) Reveal(comment comments.Comment) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[comment.ID]; !ok {
		return false
	}
	delete(f.pending, comment.ID)
	f.insert(FeedItem{Comment: comment})
	return true
}

// AddOwn renders a self-authored comment before the server confirms it. The
// cursor is left alone so the poll that delivers it is still reconciled.
func (f *Feed) AddOwn(comment comments.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[comment.ID]; ok {
		return
	}
	f.seen[comment.ID] = struct{}{}
	f.insert(FeedItem{Comment: comment, Own: true})
}

// DropPending forgets staggered comments that were never revealed so the
// next poll delivers them again.
func (f *Feed) DropPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.pending {
		delete(f.seen, id)
	}
	f.pending = make(map[int64]struct{})
}

func (f *Feed) fresh(incoming []comments.Comment) []comments.Comment {
	out := make([]comments.Comment, 0, len(incoming))
	for _, comment := range incoming {
		if _, ok := f.seen[comment.ID]; ok {
			if _, waiting := f.pending[comment.ID]; !waiting && comment.ID > f.cursor {
				f.cursor = comment.ID
			}
			continue
		}
		if comment.ID <= f.cursor || comment.VisibleAt < f.floorMillis {
			continue
		}
		out = append(out, comment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Feed) insert(item FeedItem) {
	index := sort.Search(len(f.items), func(i int) bool { return f.items[i].Comment.ID >= item.Comment.ID })
	if index < len(f.items) && f.items[index].Comment.ID == item.Comment.ID {
		return
	}
	f.items = append(f.items, FeedItem{})
	copy(f.items[index+1:], f.items[index:])
	f.items[index] = item
	if !item.Own && item.Comment.ID > f.cursor {
		f.cursor = item.Comment.ID
	}
}

func (f *Feed) clear() {
	f.items = nil
	f.seen = make(map[int64]struct{})
	f.pending = make(map[int64]struct{})
	f.cursor = 0
	f.floorMillis = 0
}

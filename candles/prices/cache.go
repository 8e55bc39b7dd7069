package prices

import (
	"sort"
	"sync"
	"time"

	"github.com/linluma/signalwatch/candles/metrics"
)

// Direction of the last price move
type Direction int

const (
	Flat Direction = iota
	Up
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "flat"
	}
}

// Entry is the latest observation for a symbol. PreviousPrice is the value
// Price held before the most recent update, or 0 before the second update.
type Entry struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	PreviousPrice float64   `json:"previous_price"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Direction compares Price against PreviousPrice
func (e Entry) Direction() Direction {
	switch {
	case e.PreviousPrice == 0 || e.Price == e.PreviousPrice:
		return Flat
	case e.Price > e.PreviousPrice:
		return Up
	default:
		return Down
	}
}

// Update is delivered to watchers after every cache write
type Update = Entry

// Cache maps symbol to its latest and previous price
type Cache struct {
	metrics *metrics.Recorder

	mutex    sync.RWMutex
	entries  map[string]Entry
	watchers map[uint64]chan Update
	nextID   uint64
}

// NewCache creates an empty cache
func NewCache(rec *metrics.Recorder) *Cache {
	return &Cache{
		metrics:  rec,
		entries:  make(map[string]Entry),
		watchers: make(map[uint64]chan Update),
	}
}

// Update records price for symbol, shifting the old price into PreviousPrice.
// Watchers that are not keeping up miss the update rather than block the writer.
func (c *Cache) Update(symbol string, price float64, at time.Time) Entry {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	prev := c.entries[symbol]
	e := Entry{Symbol: symbol, Price: price, PreviousPrice: prev.Price, UpdatedAt: at}
	c.entries[symbol] = e

	for _, ch := range c.watchers {
		select {
		case ch <- e:
		default:
			c.metrics.RecordDroppedPriceUpdate()
		}
	}
	return e
}

// Get returns the entry for symbol
func (c *Cache) Get(symbol string) (Entry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	e, ok := c.entries[symbol]
	return e, ok
}

// Snapshot returns all entries ordered by symbol
func (c *Cache) Snapshot() []Entry {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Watch subscribes to updates. cancel must be called to release the channel;
// it closes the returned channel.
func (c *Cache) Watch(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	c.mutex.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	c.mutex.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mutex.Lock()
			delete(c.watchers, id)
			c.mutex.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

package chunkuploader

type progressUpdate struct {
	index  int
	loaded int64
}

// Aggregator converts per-chunk byte progress into a single file level percentage.
// A single goroutine owns the per-chunk counters; updates reach it over a channel.
type Aggregator struct {
	sizes  []int64
	loaded []int64
	total  int64
	sum    int64
	sink   ProgressFunc

	updates chan progressUpdate
	quit    chan struct{}
	done    chan struct{}
	last    Progress
}

// NewAggregator creates an aggregator for chunks of the given sizes. Chunks listed in stored
// count as fully loaded from the start.
func NewAggregator(sizes []int64, stored []int, sink ProgressFunc) *Aggregator {
	a := &Aggregator{
		sizes:   sizes,
		loaded:  make([]int64, len(sizes)),
		sink:    sink,
		updates: make(chan progressUpdate, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, size := range sizes {
		a.total += size
	}
	for _, index := range stored {
		if index >= 0 && index < len(sizes) && a.loaded[index] == 0 {
			a.loaded[index] = sizes[index]
			a.sum += sizes[index]
		}
	}

	return a
}

// Start reports the seeded progress and starts consuming updates.
func (a *Aggregator) Start() {
	a.emit()
	go a.run()
}

// Update records that loaded bytes of the chunk at index are transferred.
// Updates arriving after Stop are dropped.
func (a *Aggregator) Update(index int, loaded int64) {
	select {
	case a.updates <- progressUpdate{index: index, loaded: loaded}:
	case <-a.quit:
	}
}

// Stop applies the pending updates, stops the aggregator and returns the final progress.
func (a *Aggregator) Stop() Progress {
	close(a.quit)
	<-a.done
	return a.last
}

func (a *Aggregator) run() {
	defer close(a.done)

	for {
		select {
		case u := <-a.updates:
			a.apply(u)
		case <-a.quit:
			for {
				select {
				case u := <-a.updates:
					a.apply(u)
				default:
					return
				}
			}
		}
	}
}

// apply never lets a chunk's counter go backwards or past its size, which keeps the
// reported percentage non-decreasing.
func (a *Aggregator) apply(u progressUpdate) {
	if u.index < 0 || u.index >= len(a.sizes) {
		return
	}

	loaded := u.loaded
	if loaded > a.sizes[u.index] {
		loaded = a.sizes[u.index]
	}
	if loaded <= a.loaded[u.index] {
		return
	}

	a.sum += loaded - a.loaded[u.index]
	a.loaded[u.index] = loaded
	a.emit()
}

func (a *Aggregator) emit() {
	a.last = Progress{
		Loaded:     a.sum,
		Total:      a.total,
		Percentage: percentage(a.sum, a.total),
	}
	if a.sink != nil {
		a.sink(a.last)
	}
}

func percentage(loaded, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(loaded * 100 / total)
}

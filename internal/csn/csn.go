// Package csn implements the replication Change Sequence Number: a
// per-replica, monotonic, time-skew-tolerant sequence number source.
package csn

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ledgerwatch/ldapd/internal/ldaperr"
)

// maxTimeAdjust is CSN_MAX_TIME_ADJUST: the largest backward
// wall-clock jump a generator will silently absorb.
const maxTimeAdjust = 86400

// skewRecycleThreshold is the backward jump (in seconds) past which
// the generator treats the clock as having been reset rather than
// merely skewed.
const skewRecycleThreshold = 300

// CSN is the totally-ordered, lexicographically-compared replication
// identifier: (timestamp, replica id, seq, subseq).
type CSN struct {
	Timestamp int64
	ReplicaID uint16
	Seq       uint16
	Subseq    uint16
}

// Less reports whether c sorts strictly before o.
func (c CSN) Less(o CSN) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp < o.Timestamp
	}
	if c.ReplicaID != o.ReplicaID {
		return c.ReplicaID < o.ReplicaID
	}
	if c.Seq != o.Seq {
		return c.Seq < o.Seq
	}
	return c.Subseq < o.Subseq
}

// String renders the 28-character hex form: 16 hex chars timestamp,
// 4 hex seq, 4 hex rid, 4 hex subseq.
func (c CSN) String() string {
	return fmt.Sprintf("%016x%04x%04x%04x", uint64(c.Timestamp), c.Seq, c.ReplicaID, c.Subseq)
}

// state is the persisted generator state.
type state struct {
	replicaID    uint16
	sampledTime  int64
	localOffset  int64
	remoteOffset int64
	seq          uint16
}

// lifecycle: Fresh until the first successful NewCSN or AdjustTime,
// then Running. There is no Paused state.
type lifecycle int

const (
	Fresh lifecycle = iota
	Running
)

// NowFunc is the shape of a wall-clock source returning seconds. Gen
// itself has no NowFunc field: its sampled time is fed in through
// SampleTime.
type NowFunc func() int64

// Callback is invoked on new-CSN / abort-CSN events. The generator's
// state lock is released before Callback runs.
type Callback struct {
	OnNew   func(c CSN)
	OnAbort func(c CSN)
}

type CookieID uint64

// Gen is a per-replica CSN generator.
type Gen struct {
	mu    sync.RWMutex
	st    state
	phase lifecycle

	cbMu      sync.RWMutex
	callbacks map[CookieID]Callback
	nextCookie CookieID

	log         log.Logger
	sampledTime int64 // g_sampled_time equivalent, set via SampleTime
}

// PersistedState is the serializable form for Get/SetState, persisted
// alongside the replica update vector.
type PersistedState struct {
	ReplicaID    uint16
	SampledTime  int64
	LocalOffset  int64
	RemoteOffset int64
	Seq          uint16
}

// New constructs a generator for replicaID. If persisted is non-nil
// its ReplicaID must match replicaID; otherwise the generator starts
// fresh at now with zero offsets.
func New(replicaID uint16, persisted *PersistedState, now int64) (*Gen, error) {
	g := &Gen{
		callbacks:   make(map[CookieID]Callback),
		log:         log.New("component", "csngen", "rid", replicaID),
		sampledTime: now,
	}
	if persisted != nil {
		if persisted.ReplicaID != replicaID {
			return nil, ldaperr.New("OperationsError", ldaperr.OperationsError, "persisted csn state replica id %d does not match %d", persisted.ReplicaID, replicaID)
		}
		g.st = state{
			replicaID:    persisted.ReplicaID,
			sampledTime:  persisted.SampledTime,
			localOffset:  persisted.LocalOffset,
			remoteOffset: persisted.RemoteOffset,
			seq:          persisted.Seq,
		}
		g.phase = Running
		return g, nil
	}
	g.st = state{replicaID: replicaID, sampledTime: now}
	g.phase = Fresh
	return g, nil
}

// SampleTime feeds the process-wide sampled time into the generator,
// standing in for a periodic housekeeping tick.
func (g *Gen) SampleTime(now int64) {
	g.mu.Lock()
	g.sampledTime = now
	g.mu.Unlock()
}

// GetState returns the current persisted-form state for external
// storage alongside the RUV.
func (g *Gen) GetState() PersistedState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return PersistedState{
		ReplicaID:    g.st.replicaID,
		SampledTime:  g.st.sampledTime,
		LocalOffset:  g.st.localOffset,
		RemoteOffset: g.st.remoteOffset,
		Seq:          g.st.seq,
	}
}

// NewCSN issues the next CSN.
func (g *Gen) NewCSN(notify bool) (CSN, error) {
	g.mu.Lock()
	cur := g.sampledTime
	delta := cur - g.st.sampledTime

	switch {
	case delta > 0:
		g.advanceTo(cur)
	case delta < -skewRecycleThreshold:
		g.log.Warn("csn generator: wall clock jumped back, recycling", "delta", delta, "seq", g.st.seq)
		g.advanceTo(g.st.sampledTime + 1)
	case delta < 0:
		if -delta > maxTimeAdjust {
			g.mu.Unlock()
			return CSN{}, ldaperr.New("LimitExceeded", ldaperr.LimitExceeded, "csn generator: backward clock skew %ds exceeds max adjust %ds", -delta, maxTimeAdjust)
		}
		g.st.sampledTime = cur
		if -delta > g.st.localOffset {
			g.st.localOffset = -delta
		}
		g.st.seq = 0
	default:
		// delta == 0: nothing to adjust.
	}

	if g.st.seq == 0xFFFF {
		g.st.localOffset++
		g.st.seq = 0
	}

	out := CSN{
		Timestamp: g.st.sampledTime + g.st.localOffset + g.st.remoteOffset,
		Seq:       g.st.seq,
		ReplicaID: g.st.replicaID,
		Subseq:    0,
	}
	g.st.seq++
	g.phase = Running
	g.mu.Unlock()

	if notify {
		g.fanOutNew(out)
	}
	return out, nil
}

// advanceTo advances the generator's sampled time, used both for the
// forward-clock path and the post-recycle forward path.
func (g *Gen) advanceTo(cur int64) {
	delta := cur - g.st.sampledTime
	g.st.sampledTime = cur
	if delta > g.st.localOffset {
		g.st.localOffset = 0
	} else {
		g.st.localOffset -= delta
	}
	g.st.seq = 0
}

// AdjustTime pulls the generator forward to accommodate a CSN observed
// from a peer.
func (g *Gen) AdjustTime(remote CSN) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.sampledTime
	if cur > g.st.sampledTime {
		g.advanceTo(cur)
	}

	curTS := g.st.sampledTime + g.st.localOffset + g.st.remoteOffset
	if remote.Timestamp < curTS {
		g.phase = Running
		return nil
	}

	if remote.Seq > g.st.seq {
		if remote.Seq < 0xFFFF {
			g.st.seq = remote.Seq + 1
		} else {
			remote.Timestamp++
		}
	}

	newRemoteOffset := remote.Timestamp - curTS
	if newRemoteOffset > g.st.remoteOffset {
		if newRemoteOffset > maxTimeAdjust {
			return ldaperr.New("LimitExceeded", ldaperr.LimitExceeded, "csn generator: remote offset %d exceeds max adjust %d", newRemoteOffset, maxTimeAdjust)
		}
		// Never decrease remote_offset automatically - doing so could
		// produce duplicate CSNs.
		g.st.remoteOffset = newRemoteOffset
	}
	g.phase = Running
	return nil
}

// AbortCSN records that the caller discarded an issued CSN. It never
// un-issues the CSN (sequence numbers are never reused); it only
// notifies subscribers.
func (g *Gen) AbortCSN(c CSN) {
	g.cbMu.RLock()
	cbs := make([]Callback, 0, len(g.callbacks))
	for _, cb := range g.callbacks {
		cbs = append(cbs, cb)
	}
	g.cbMu.RUnlock()
	for _, cb := range cbs {
		if cb.OnAbort != nil {
			cb.OnAbort(c)
		}
	}
}

func (g *Gen) fanOutNew(c CSN) {
	g.cbMu.RLock()
	cbs := make([]Callback, 0, len(g.callbacks))
	for _, cb := range g.callbacks {
		cbs = append(cbs, cb)
	}
	g.cbMu.RUnlock()
	for _, cb := range cbs {
		if cb.OnNew != nil {
			cb.OnNew(c)
		}
	}
}

// RegisterCallback adds a subscriber and returns a cookie for later
// unregistration.
func (g *Gen) RegisterCallback(cb Callback) CookieID {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	g.nextCookie++
	id := g.nextCookie
	g.callbacks[id] = cb
	return id
}

// UnregisterCallback removes a subscriber previously returned by
// RegisterCallback.
func (g *Gen) UnregisterCallback(id CookieID) {
	g.cbMu.Lock()
	delete(g.callbacks, id)
	g.cbMu.Unlock()
}

// Phase reports the generator's Fresh/Running lifecycle state.
func (g *Gen) Phase() lifecycle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.phase
}

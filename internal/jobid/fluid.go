// SPDX-License-Identifier: AGPL-3.0-or-later

package jobid

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// FLUID layout: 40 bits of milliseconds since the generator epoch, 14 bits
// of generator id, 10 bits of sequence.
const (
	fluidTSBits  = 40
	fluidGenBits = 14
	fluidSeqBits = 10

	maxGenID = 1<<fluidGenBits - 1
	maxSeq   = 1<<fluidSeqBits - 1
)

// ErrClockExhausted is returned once the 40-bit timestamp space is used up.
var ErrClockExhausted = errors.New("jobid: fluid timestamp exhausted")

// Generator allocates unique, time-ordered job ids.
type Generator struct {
	mu     sync.Mutex
	genID  uint64
	epoch  time.Time
	lastTS uint64
	seq    uint64
	now    func() time.Time
	sleep  func(time.Duration)
}

// NewGenerator returns a generator for genID whose clock starts at epoch.
func NewGenerator(genID uint64, epoch time.Time) (*Generator, error) {
	if genID > maxGenID {
		return nil, fmt.Errorf("jobid: generator id %d out of range", genID)
	}
	return &Generator{
		genID: genID,
		epoch: epoch,
		now:   time.Now,
		sleep: time.Sleep,
	}, nil
}

// Next returns a new id. Within a millisecond up to 1024 ids are issued
// before the generator waits for the clock to advance.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		ts := g.timestamp()
		if ts >= 1<<fluidTSBits {
			return 0, ErrClockExhausted
		}
		switch {
		case ts > g.lastTS:
			g.lastTS = ts
			g.seq = 0
		case g.seq < maxSeq:
			g.seq++
		default:
			g.sleep(time.Millisecond)
			continue
		}
		id := g.lastTS<<(fluidGenBits+fluidSeqBits) | g.genID<<fluidSeqBits | g.seq
		return ID(id), nil
	}
}

func (g *Generator) timestamp() uint64 {
	d := g.now().Sub(g.epoch)
	if d < 0 {
		return g.lastTS
	}
	ts := uint64(d / time.Millisecond)
	if ts < g.lastTS {
		return g.lastTS
	}
	return ts
}

// Timestamp extracts the creation time of a FLUID relative to epoch.
func Timestamp(id ID, epoch time.Time) time.Time {
	ms := uint64(id) >> (fluidGenBits + fluidSeqBits)
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

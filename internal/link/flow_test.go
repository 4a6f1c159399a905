package link

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(seq uint64, text string) *PendingCommand {
	return &PendingCommand{Seq: seq, Text: text, Framed: []byte(text + "\n")}
}

func TestFlowControllerHeadBlocks(t *testing.T) {
	f := NewFlowController(32)
	f.Enqueue(pending(1, "G90"))
	f.Enqueue(pending(2, "G1 X10 Y0 F1000"))
	f.Enqueue(pending(3, "G1 X10 Y10 F1000"))
	f.Enqueue(pending(4, "G0"))

	batch := f.Dispatch(time.Now())
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(1), batch[0].Seq)
	assert.Equal(t, uint64(2), batch[1].Seq)
	assert.Equal(t, 20, f.Outstanding())
	// "G0" would fit but may not overtake command 3
	assert.Equal(t, 2, f.Waiting())

	pc, ok := f.Ack()
	require.True(t, ok)
	assert.Equal(t, uint64(1), pc.Seq)
	assert.Empty(t, f.Dispatch(time.Now()))

	pc, ok = f.Ack()
	require.True(t, ok)
	assert.Equal(t, uint64(2), pc.Seq)

	batch = f.Dispatch(time.Now())
	require.Len(t, batch, 2)
	assert.Equal(t, uint64(3), batch[0].Seq)
	assert.Equal(t, uint64(4), batch[1].Seq)
	assert.Equal(t, 20, f.Outstanding())
}

func TestFlowControllerAckOnEmpty(t *testing.T) {
	f := NewFlowController(128)
	_, ok := f.Ack()
	assert.False(t, ok)
	assert.Nil(t, f.Oldest())
}

func TestFlowControllerNeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	f := NewFlowController(64)

	var seq uint64
	var acked []uint64
	for i := 0; i < 2000; i++ {
		if rng.Intn(3) > 0 {
			seq++
			text := make([]byte, 1+rng.Intn(40))
			for j := range text {
				text[j] = 'G'
			}
			f.Enqueue(pending(seq, string(text)))
		} else if pc, ok := f.Ack(); ok {
			acked = append(acked, pc.Seq)
		}
		f.Dispatch(time.Now())
		require.LessOrEqual(t, f.Outstanding(), f.Max())
		require.GreaterOrEqual(t, f.Outstanding(), 0)
	}

	for i := 1; i < len(acked); i++ {
		require.Equal(t, acked[i-1]+1, acked[i], "acknowledgements must follow submission order")
	}
}

func TestFlowControllerDrainOrder(t *testing.T) {
	f := NewFlowController(8)
	f.Enqueue(pending(1, "G0"))
	f.Enqueue(pending(2, "G1"))
	f.Enqueue(pending(3, "G2 X1"))
	f.Dispatch(time.Now())

	all := f.Drain()
	require.Len(t, all, 3)
	for i, pc := range all {
		assert.Equal(t, uint64(i+1), pc.Seq)
	}
	assert.Zero(t, f.Outstanding())
	assert.Zero(t, f.Len())
}

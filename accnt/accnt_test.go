package accnt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"swapkernel/util"
)

func TestRecordEvictAndRetrieve(t *testing.T) {
	c := &Counters{}
	c.RecordEvict(10 * time.Millisecond)
	c.RecordRetrieve(5 * time.Millisecond)
	c.RecordOOM()
	c.RecordAdvisoryFlush()

	require.EqualValues(t, 1, c.EvictCount)
	require.EqualValues(t, 1, c.RetrieveCount)
	require.EqualValues(t, 1, c.OOMCount)
	require.EqualValues(t, 1, c.AdvisoryFlushes)
	require.EqualValues(t, int64(10*time.Millisecond), c.EvictNs)
}

func TestAddMergesTotals(t *testing.T) {
	a := &Counters{}
	b := &Counters{}
	a.RecordEvict(time.Millisecond)
	b.RecordEvict(time.Millisecond)
	b.RecordRetrieve(time.Millisecond)

	a.Add(b)
	require.EqualValues(t, 2, a.EvictCount)
	require.EqualValues(t, 1, a.RetrieveCount)
}

func TestSnapshotEncodesSequentialWords(t *testing.T) {
	c := &Counters{}
	c.RecordEvict(3 * time.Millisecond)
	c.RecordRetrieve(7 * time.Millisecond)

	buf := c.Snapshot()
	require.Len(t, buf, 48)
	require.EqualValues(t, 1, util.Readn(buf, 8, 0))
	require.EqualValues(t, int64(3*time.Millisecond), util.Readn(buf, 8, 8))
	require.EqualValues(t, 1, util.Readn(buf, 8, 16))
	require.EqualValues(t, int64(7*time.Millisecond), util.Readn(buf, 8, 24))
}

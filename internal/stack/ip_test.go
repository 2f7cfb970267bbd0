package stack

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

func decodeFragments(t *testing.T, frames [][]byte) []Fragment {
	t.Helper()
	out := make([]Fragment, 0, len(frames))
	for _, b := range frames {
		var f Fragment
		require.NoError(t, f.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
		out = append(out, f)
	}
	return out
}

func TestIP_ScenarioThreeFragmentsOutOfOrder(t *testing.T) {
	bottom := &recordingLayer{}
	tx := NewIP(bottom, IPConfig{MTU: 1020})
	tx.SetLocal(ipA)
	tx.SetPeer(ipB)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.True(t, tx.SendProto(payload, 0xEE))

	frames := bottom.frames()
	require.Len(t, frames, 3)
	frags := decodeFragments(t, frames)
	for i, f := range frags {
		assert.Equal(t, uint32(i*1000), f.Offset)
		assert.Equal(t, uint32(1000), f.Length)
		assert.Equal(t, i < 2, f.More)
		assert.Equal(t, frags[0].Group, f.Group)
		assert.Equal(t, ipA, f.Src)
		assert.Equal(t, ipB, f.Dst)
		assert.Equal(t, uint8(0xEE), f.Proto)
	}

	rx := NewIP(nil, IPConfig{MTU: 1020})
	rx.SetLocal(ipB)
	consumer := &sink{}
	rx.Register(0xEE, consumer)

	for _, i := range []int{2, 0, 1} {
		assert.True(t, rx.Recv(frames[i]))
	}
	got := consumer.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])
	assert.Zero(t, rx.PendingGroups())
}

func TestIP_DuplicateFragmentsDeliverOnce(t *testing.T) {
	bottom := &recordingLayer{}
	tx := NewIP(bottom, IPConfig{MTU: 120})
	require.True(t, tx.SendProto(bytes.Repeat([]byte("z"), 250), 1))
	frames := bottom.frames()
	require.Len(t, frames, 3)

	rx := NewIP(nil, IPConfig{})
	c := &sink{}
	rx.Register(1, c)
	for _, i := range []int{0, 0, 1, 1, 2, 2} {
		rx.Recv(frames[i])
	}
	assert.Len(t, c.deliveries(), 1)
	assert.Zero(t, rx.PendingGroups())

	// Stragglers after completion neither redeliver nor open a new group.
	for _, i := range []int{2, 0} {
		rx.Recv(frames[i])
	}
	assert.Len(t, c.deliveries(), 1)
	assert.Zero(t, rx.PendingGroups())

	bottom = &recordingLayer{}
	tx = NewIP(bottom, IPConfig{MTU: 120})
	require.True(t, tx.SendProto([]byte("hello"), 1))
	single := bottom.frames()
	require.Len(t, single, 1)

	rx = NewIP(nil, IPConfig{})
	c = &sink{}
	rx.Register(1, c)
	rx.Recv(single[0])
	rx.Recv(single[0])
	assert.Len(t, c.deliveries(), 1, "single fragment delivered once")
	assert.Zero(t, rx.PendingGroups())
}

// permutations returns every ordering of 0..n-1.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestIP_RoundTripAnyArrivalOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for _, mtu := range []int{64, 120, 1020} {
		chunk := mtu - FragmentHeaderLen
		lengths := []int{0, 1, chunk - 1, chunk, chunk + 1, 2 * chunk, 3*chunk + 1, 7*chunk + 3}
		for _, n := range lengths {
			t.Run(fmt.Sprintf("mtu=%d/len=%d", mtu, n), func(t *testing.T) {
				proto := uint8(n % 256)
				payload := make([]byte, n)
				for i := range payload {
					payload[i] = byte(rng.IntN(256))
				}

				bottom := &recordingLayer{}
				tx := NewIP(bottom, IPConfig{MTU: mtu})
				tx.SetLocal(ipA)
				tx.SetPeer(ipB)
				require.True(t, tx.SendProto(payload, proto))

				frames := bottom.frames()
				want := (n + chunk - 1) / chunk
				if want == 0 {
					want = 1
				}
				require.Len(t, frames, want)

				var orders [][]int
				if len(frames) <= 4 {
					orders = permutations(len(frames))
				} else {
					for range 8 {
						orders = append(orders, rng.Perm(len(frames)))
					}
				}

				for _, order := range orders {
					rx := NewIP(nil, IPConfig{MTU: mtu})
					rx.SetLocal(ipB)
					c := &sink{}
					rx.Register(proto, c)
					for _, i := range order {
						assert.True(t, rx.Recv(frames[i]))
					}
					got := c.deliveries()
					require.Len(t, got, 1, "order %v", order)
					assert.Equal(t, len(payload), len(got[0]))
					assert.True(t, bytes.Equal(payload, got[0]), "order %v", order)
					assert.Zero(t, rx.PendingGroups())
				}
			})
		}
	}
}

func TestIP_RecvRejects(t *testing.T) {
	rx := NewIP(nil, IPConfig{})
	rx.SetLocal(ipA)
	c := &sink{}
	rx.Register(1, c)

	assert.False(t, rx.Recv(make([]byte, FragmentHeaderLen-1)), "shorter than header")

	other := encodeFragment(t, Fragment{Src: ipB, Dst: core.MustParseNetAddr("10.0.0.77"), Proto: 1}, []byte("x"))
	assert.False(t, rx.Recv(other), "addressed elsewhere")

	truncated := encodeFragment(t, Fragment{Src: ipB, Dst: ipA, Proto: 1}, []byte("xyz"))
	assert.False(t, rx.Recv(truncated[:len(truncated)-1]))

	assert.Empty(t, c.deliveries())
}

func TestIP_BroadcastAndPaddingAccepted(t *testing.T) {
	rx := NewIP(nil, IPConfig{})
	rx.SetLocal(ipA)
	c := &sink{}
	rx.Register(1, c)

	b := encodeFragment(t, Fragment{Src: ipB, Dst: core.BroadcastNetAddr, Proto: 1}, []byte("hello"))
	b = append(b, make([]byte, 30)...)
	assert.True(t, rx.Recv(b))
	require.Len(t, c.deliveries(), 1)
	assert.Equal(t, []byte("hello"), c.deliveries()[0])
}

func TestIP_UnknownProtocolDropped(t *testing.T) {
	rx := NewIP(nil, IPConfig{})
	rx.SetLocal(ipA)
	c := &sink{}
	rx.Register(1, c)

	b := encodeFragment(t, Fragment{Src: ipB, Dst: ipA, Proto: 2}, []byte("hello"))
	assert.True(t, rx.Recv(b), "structurally valid")
	assert.Empty(t, c.deliveries())
}

func TestIP_EmptyPayloadSingleFragment(t *testing.T) {
	bottom := &recordingLayer{}
	tx := NewIP(bottom, IPConfig{})
	require.True(t, tx.SendProto(nil, 1))

	frags := decodeFragments(t, bottom.frames())
	require.Len(t, frags, 1)
	assert.False(t, frags[0].More)
	assert.Zero(t, frags[0].Length)
}

func TestIP_SendFailures(t *testing.T) {
	tx := NewIP(nil, IPConfig{})
	assert.False(t, tx.SendProto([]byte("x"), 1), "no lower layer")

	bottom := &recordingLayer{refuse: true}
	tx = NewIP(bottom, IPConfig{})
	err := tx.SendProtoContext(context.Background(), ipB, []byte("x"), 1)
	assert.ErrorIs(t, err, core.ErrSendFailed)
}

func TestIP_PacingHonorsContext(t *testing.T) {
	bottom := &recordingLayer{}
	tx := NewIP(bottom, IPConfig{MTU: 30, Pacing: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tx.SendProtoContext(ctx, ipB, bytes.Repeat([]byte("p"), 50), 1)
	assert.Error(t, err)
	assert.Len(t, bottom.frames(), 1, "first fragment is not delayed")
}

func TestIP_RateLimitPerSource(t *testing.T) {
	rx := NewIP(nil, IPConfig{MaxFragsPerIP: 1, RateLimitWindow: time.Minute})
	rx.SetLocal(ipA)
	c := &sink{}
	rx.Register(1, c)

	b := encodeFragment(t, Fragment{Src: ipB, Dst: ipA, Proto: 1, Group: 1}, []byte("a"))
	assert.True(t, rx.Recv(b))
	b = encodeFragment(t, Fragment{Src: ipB, Dst: ipA, Proto: 1, Group: 2}, []byte("b"))
	assert.False(t, rx.Recv(b))
	assert.Len(t, c.deliveries(), 1)
}

// endpointConsumer accepts a lower layer the way app consumers do.
type endpointConsumer struct {
	sink
	lower Layer
}

func (e *endpointConsumer) SetLower(l Layer) { e.lower = l }

func TestIP_RegisterWiresEndpoint(t *testing.T) {
	bottom := &recordingLayer{}
	ip := NewIP(bottom, IPConfig{})
	ip.SetLocal(ipA)
	ip.SetPeer(ipB)

	c := &endpointConsumer{}
	ip.Register(0xEF, c)
	require.NotNil(t, c.lower)
	ep, ok := c.lower.(*Endpoint)
	require.True(t, ok)
	assert.Equal(t, uint8(0xEF), ep.Proto())

	require.True(t, c.lower.Send([]byte("file bytes")))
	frags := decodeFragments(t, bottom.frames())
	require.Len(t, frags, 1)
	assert.Equal(t, uint8(0xEF), frags[0].Proto)
	assert.Equal(t, ipB, frags[0].Dst)

	c.lower.Start()
	assert.True(t, bottom.Running())
}

func TestIP_SendsThroughResolver(t *testing.T) {
	bottom := &recordingLayer{}
	eth := NewEthernet(bottom, macA, 0)
	arp := NewResolver(eth, ResolverConfig{})
	arp.SetLocalBinding(ipA, macA)
	ip := NewIP(arp, IPConfig{})
	ip.SetLocal(ipA)

	require.True(t, ip.SendProtoTo(core.BroadcastNetAddr, []byte("hi all"), 1))
	frames := bottom.frames()
	require.Len(t, frames, 1, "broadcast needs no resolution")
	assert.Equal(t, core.BroadcastLinkAddr[:], frames[0][:6])
}

func TestIP_EndToEndOverEthernet(t *testing.T) {
	// Two chains joined back to back through their recording bottoms.
	aBottom := &recordingLayer{}
	aEth := NewEthernet(aBottom, macA, 0)
	aARP := NewResolver(aEth, ResolverConfig{})
	aARP.SetLocalBinding(ipA, macA)
	aIP := NewIP(aARP, IPConfig{MTU: 200})
	aIP.SetLocal(ipA)
	aIP.SetPeer(ipB)

	bBottom := &recordingLayer{}
	bEth := NewEthernet(bBottom, macB, 0)
	bARP := NewResolver(bEth, ResolverConfig{})
	bARP.SetLocalBinding(ipB, macB)
	bIP := NewIP(bARP, IPConfig{MTU: 200})
	bIP.SetLocal(ipB)
	c := &sink{}
	bIP.Register(0xEE, c)

	payload := bytes.Repeat([]byte("chat "), 100)
	require.True(t, aIP.SendProto(payload, 0xEE))

	for _, f := range aBottom.frames() {
		bBottom.inject(f)
	}
	// B answered A's request; feed the reply back so A learns B.
	for _, f := range bBottom.frames() {
		aBottom.inject(f)
	}
	mac, ok := aARP.Lookup(ipB)
	assert.True(t, ok)
	assert.Equal(t, macB, mac)

	require.Len(t, c.deliveries(), 1)
	assert.Equal(t, payload, c.deliveries()[0])
}

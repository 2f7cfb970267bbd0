package stack

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// FragmentHeaderLen is src(4) + dst(4) + proto(1) + group(2) + offset(4) +
// length(4) + more(1). Multi-byte fields are big-endian.
const FragmentHeaderLen = 20

// LayerTypeFragment lets gopacket decode fragment headers inside captures.
var LayerTypeFragment = gopacket.RegisterLayerType(1901, gopacket.LayerTypeMetadata{
	Name:    "LanchatFragment",
	Decoder: gopacket.DecodeFunc(decodeFragment),
})

// Fragment is one chunk of a fragment group.
type Fragment struct {
	layers.BaseLayer

	Src    core.NetAddr
	Dst    core.NetAddr
	Proto  uint8
	Group  uint16
	Offset uint32
	Length uint32
	More   bool
}

func (f *Fragment) LayerType() gopacket.LayerType { return LayerTypeFragment }

func (f *Fragment) CanDecode() gopacket.LayerClass { return LayerTypeFragment }

func (f *Fragment) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// DecodeFromBytes parses the header and takes exactly Length payload bytes;
// anything after that is link padding and is left out of the payload.
func (f *Fragment) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < FragmentHeaderLen {
		df.SetTruncated()
		return fmt.Errorf("fragment header: %d bytes: %w", len(data), core.ErrPacketTooShort)
	}
	copy(f.Src[:], data[0:4])
	copy(f.Dst[:], data[4:8])
	f.Proto = data[8]
	f.Group = binary.BigEndian.Uint16(data[9:11])
	f.Offset = binary.BigEndian.Uint32(data[11:15])
	f.Length = binary.BigEndian.Uint32(data[15:19])
	f.More = data[19] != 0

	end := uint64(FragmentHeaderLen) + uint64(f.Length)
	if uint64(len(data)) < end {
		df.SetTruncated()
		return fmt.Errorf("fragment payload: declared %d, have %d: %w",
			f.Length, len(data)-FragmentHeaderLen, core.ErrPacketTooShort)
	}
	f.BaseLayer = layers.BaseLayer{Contents: data[:FragmentHeaderLen], Payload: data[FragmentHeaderLen:end]}
	return nil
}

// SerializeTo prepends the header. With FixLengths the Length field is
// taken from the bytes already in the buffer.
func (f *Fragment) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if opts.FixLengths {
		f.Length = uint32(len(b.Bytes()))
	}
	hdr, err := b.PrependBytes(FragmentHeaderLen)
	if err != nil {
		return err
	}
	copy(hdr[0:4], f.Src[:])
	copy(hdr[4:8], f.Dst[:])
	hdr[8] = f.Proto
	binary.BigEndian.PutUint16(hdr[9:11], f.Group)
	binary.BigEndian.PutUint32(hdr[11:15], f.Offset)
	binary.BigEndian.PutUint32(hdr[15:19], f.Length)
	if f.More {
		hdr[19] = 1
	} else {
		hdr[19] = 0
	}
	return nil
}

func decodeFragment(data []byte, p gopacket.PacketBuilder) error {
	f := &Fragment{}
	if err := f.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(f)
	return p.NextDecoder(f.NextLayerType())
}

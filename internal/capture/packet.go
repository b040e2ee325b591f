package capture

import (
	"bufio"
	"io"
)

const (
	SOF0     = 0xAA
	SOF1     = 0x55
	CmdAudio = 0x20

	// MaxPacketSamples is what fits in the one-byte LEN field
	// (LEN counts CMD plus payload).
	MaxPacketSamples = 127
)

// Packet is one block of little-endian PCM16 sent by the microphone bridge.
type Packet struct {
	PCM []byte
}

// Encode builds the on-wire representation:
//
//	[SOF0][SOF1][LEN][CMD][pcm...][CKS]
//
// CKS is LEN ^ CMD ^ every payload byte.
func (p *Packet) Encode() []byte {
	length := byte(len(p.PCM) + 1) // +1 for CMD byte
	cks := length ^ CmdAudio
	for _, b := range p.PCM {
		cks ^= b
	}
	out := make([]byte, 0, len(p.PCM)+5)
	out = append(out, SOF0, SOF1, length, CmdAudio)
	out = append(out, p.PCM...)
	out = append(out, cks)
	return out
}

// EncodeSamples splits samples into as many packets as needed.
func EncodeSamples(samples []float64) []byte {
	var out []byte
	for len(samples) > 0 {
		n := min(len(samples), MaxPacketSamples)
		p := Packet{PCM: EncodePCM16(samples[:n])}
		out = append(out, p.Encode()...)
		samples = samples[n:]
	}
	return out
}

// PacketReader resynchronises on SOF bytes and yields audio packets.
// Corrupt packets are skipped and counted rather than returned as errors.
type PacketReader struct {
	r       *bufio.Reader
	corrupt int
}

func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: bufio.NewReader(r)}
}

// Corrupt returns the number of packets dropped for bad length, command or
// checksum.
func (pr *PacketReader) Corrupt() int { return pr.corrupt }

// Next returns the next valid packet's samples, or the reader's error.
func (pr *PacketReader) Next() ([]float64, error) {
	for {
		if err := pr.sync(); err != nil {
			return nil, err
		}
		length, err := pr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if length < 1 || (length-1)%2 != 0 {
			pr.corrupt++
			continue
		}
		body := make([]byte, int(length)+1) // CMD + payload + CKS
		if _, err := io.ReadFull(pr.r, body); err != nil {
			return nil, err
		}
		cmd, payload, cks := body[0], body[1:len(body)-1], body[len(body)-1]
		sum := length ^ cmd
		for _, b := range payload {
			sum ^= b
		}
		if cmd != CmdAudio || sum != cks {
			pr.corrupt++
			continue
		}
		if len(payload) == 0 {
			continue
		}
		return DecodePCM16(payload), nil
	}
}

func (pr *PacketReader) sync() error {
	prev := byte(0)
	for {
		b, err := pr.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == SOF0 && b == SOF1 {
			return nil
		}
		prev = b
	}
}

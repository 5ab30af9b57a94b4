package utils

import (
	"fmt"
	"math"

	"github.com/samber/lo"
	"go.einride.tech/can"
)

func bitMask(bitLen int) uint64 {
	return uint64(1)<<bitLen - 1
}

func extractBits(payload uint64, startBit, bitLen int) uint64 {
	return (payload >> startBit) & bitMask(bitLen)
}

func insertBits(payload uint64, startBit, bitLen int, value uint64) uint64 {
	mask := bitMask(bitLen)
	payload &^= mask << startBit
	return payload | (value&mask)<<startBit
}

// toSigned interprets the low bitLen bits of u as two's complement when signed.
func toSigned(u uint64, bitLen int, signed bool) int64 {
	if !signed || bitLen >= 64 {
		return int64(u)
	}
	if u&(uint64(1)<<(bitLen-1)) == 0 {
		return int64(u)
	}
	return int64(u) - int64(uint64(1)<<bitLen)
}

// saturateRaw limits raw to what fits in bitLen bits.
func saturateRaw(raw int64, bitLen int, signed bool) int64 {
	if bitLen >= 63 {
		return raw
	}
	if !signed {
		return lo.Clamp(raw, 0, int64(1)<<bitLen-1)
	}
	return lo.Clamp(raw, -(int64(1) << (bitLen - 1)), int64(1)<<(bitLen-1)-1)
}

// EncodeFrame packs physical values into a payload for the named frame.
// Signals missing from values take their default.
func (m *CANMap) EncodeFrame(frameName string, values map[string]float64) ([]byte, uint32, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return nil, 0, err
	}
	if fd.DLC <= 0 || fd.DLC > 8 {
		return nil, 0, fmt.Errorf("frame %s has invalid DLC %d", fd.Name, fd.DLC)
	}

	var payload uint64
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok || math.IsNaN(v) {
			v = s.Default
		}
		v = lo.Clamp(v, s.Min, s.Max)

		raw := saturateRaw(int64(math.Round((v-s.Offset)/s.Factor)), s.BitLength, s.Signed)
		payload = insertBits(payload, s.StartBit, s.BitLength, uint64(raw))
	}

	out := make([]byte, fd.DLC)
	for i := range out {
		out[i] = byte(payload >> (8 * i))
	}
	return out, fd.ID, nil
}

// EncodeEinrideFrame produces a can.Frame ready to transmit.
func (m *CANMap) EncodeEinrideFrame(frameName string, values map[string]float64) (can.Frame, error) {
	payload, id, err := m.EncodeFrame(frameName, values)
	if err != nil {
		return can.Frame{}, err
	}

	var f can.Frame
	f.ID = id
	f.Length = uint8(len(payload))
	copy(f.Data[:], payload)
	return f, nil
}

// DecodeFrame unpacks every signal of the frame with the given id.
func (m *CANMap) DecodeFrame(frameID uint32, data []byte) (map[string]float64, error) {
	fd, err := m.FrameByID(frameID)
	if err != nil {
		return nil, err
	}
	if len(data) < fd.DLC {
		return nil, fmt.Errorf("frame 0x%X expects DLC %d, got %d", frameID, fd.DLC, len(data))
	}

	var payload uint64
	for i := 0; i < fd.DLC && i < 8; i++ {
		payload |= uint64(data[i]) << (8 * i)
	}

	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		raw := toSigned(extractBits(payload, s.StartBit, s.BitLength), s.BitLength, s.Signed)
		out[s.Name] = float64(raw)*s.Factor + s.Offset
	}
	return out, nil
}

// DecodeEinrideFrame decodes a received can.Frame.
func (m *CANMap) DecodeEinrideFrame(f can.Frame) (*FrameDef, map[string]float64, error) {
	fd, err := m.FrameByID(f.ID)
	if err != nil {
		return nil, nil, err
	}
	values, err := m.DecodeFrame(f.ID, f.Data[:f.Length])
	if err != nil {
		return nil, nil, err
	}
	return fd, values, nil
}

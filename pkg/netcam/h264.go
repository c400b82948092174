package netcam

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	naluTypeIFrame = 5
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeSTAPA  = 24
	naluTypeFUA    = 28
)

// H264Depacketizer reassembles H.264 access units from RTP payloads
// for the preview path. It never decodes pixels; frames are handed to
// OnFrame as Annex-B/AVC byte streams for the subscriber to forward
// as-is.
type H264Depacketizer struct {
	buffer  []byte
	sps     []byte
	pps     []byte
	OnFrame func(accessUnit []byte, keyframe bool)
}

// NewH264Depacketizer creates a depacketizer with a pre-sized buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{buffer: make([]byte, 0, 1024*1024)}
}

// ProcessPacket feeds one RTP packet through the depacketizer.
func (p *H264Depacketizer) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	naluType := packet.Payload[0] & 0x1F
	switch naluType {
	case naluTypeFUA:
		return p.processFUA(packet)
	case naluTypeSTAPA:
		return p.processSTAPA(packet)
	default:
		return p.processSingle(packet)
	}
}

func (p *H264Depacketizer) processFUA(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := packet.Payload[0]
	fuHeader := packet.Payload[1]
	payload := packet.Payload[2:]

	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1F

	if start {
		p.buffer = p.buffer[:0]
		p.buffer = append(p.buffer, (fuIndicator&0xE0)|naluType)
	}
	p.buffer = append(p.buffer, payload...)

	if end {
		return p.emit(p.buffer, naluType, packet.Marker)
	}
	return nil
}

func (p *H264Depacketizer) processSTAPA(packet *rtp.Packet) error {
	payload := packet.Payload[1:]
	nalus := make([]byte, 0, len(payload)*2)

	for len(payload) > 2 {
		size := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]
		if len(payload) < int(size) {
			return fmt.Errorf("STAP-A NALU size exceeds payload")
		}

		nalu := payload[:size]
		payload = payload[size:]
		nalus = appendWithLengthPrefix(nalus, nalu)

		p.captureParameterSets(nalu)
	}

	if len(nalus) > 0 && p.OnFrame != nil {
		p.OnFrame(nalus, false)
	}
	return nil
}

func (p *H264Depacketizer) processSingle(packet *rtp.Packet) error {
	nalu := packet.Payload
	naluType := nalu[0] & 0x1F
	return p.emit(nalu, naluType, packet.Marker)
}

func (p *H264Depacketizer) emit(nalu []byte, naluType uint8, marker bool) error {
	p.captureParameterSets(nalu)

	isKeyframe := naluType == naluTypeIFrame

	var frame []byte
	if isKeyframe && len(p.sps) > 0 && len(p.pps) > 0 {
		frame = make([]byte, 0, len(p.sps)+len(p.pps)+len(nalu)+12)
		frame = appendWithLengthPrefix(frame, p.sps)
		frame = appendWithLengthPrefix(frame, p.pps)
		frame = appendWithLengthPrefix(frame, nalu)
	} else {
		frame = make([]byte, 0, len(nalu)+4)
		frame = appendWithLengthPrefix(frame, nalu)
	}

	if p.OnFrame != nil && marker {
		p.OnFrame(frame, isKeyframe)
	}
	return nil
}

func (p *H264Depacketizer) captureParameterSets(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	switch nalu[0] & 0x1F {
	case naluTypeSPS:
		p.sps = append([]byte(nil), nalu...)
	case naluTypePPS:
		p.pps = append([]byte(nil), nalu...)
	}
}

func appendWithLengthPrefix(dst, nalu []byte) []byte {
	length := uint32(len(nalu))
	dst = append(dst, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	return append(dst, nalu...)
}

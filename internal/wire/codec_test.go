package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func be16(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }
func be32(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b }

func TestParseConfigureIsotpFilter(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	buf.WriteByte(OpConfigureIsotpFilter)
	buf.Write(be32(3))          // filter_id
	buf.Write(be32(0x7E0))      // request id
	buf.Write(be32(0x7E8))      // reply id
	buf.Write(be32(4))          // name_len
	buf.WriteString("ecm1")     // name

	cmd, err := codec.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	f, ok := cmd.(*ConfigureIsotpFilter)
	if !ok {
		t.Fatalf("expected *ConfigureIsotpFilter, got %T", cmd)
	}
	if f.FilterID != 3 || f.RequestArbitrationID != 0x7E0 || f.ReplyArbitrationID != 0x7E8 {
		t.Fatalf("unexpected fields: %+v", f)
	}
	if string(f.Name) != "ecm1" {
		t.Fatalf("expected name ecm1, got %q", f.Name)
	}
}

func TestParseConfigureIsotpFilterTruncatedName(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	buf.WriteByte(OpConfigureIsotpFilter)
	buf.Write(be32(3))
	buf.Write(be32(0x7E0))
	buf.Write(be32(0x7E8))
	buf.Write(be32(10)) // claims 10 bytes of name
	buf.WriteString("ab")

	if _, err := codec.Parse(buf.Bytes()); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestParseUploadIsotpChunk(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	buf.WriteByte(OpUploadIsotpChunk)
	buf.Write(be16(4))    // offset
	buf.Write(be16(3))    // chunk_length
	buf.Write([]byte{1, 2, 3})

	cmd, err := codec.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, ok := cmd.(*UploadIsotpChunk)
	if !ok {
		t.Fatalf("expected *UploadIsotpChunk, got %T", cmd)
	}
	if c.Offset != 4 || c.ChunkLength != 3 || !bytes.Equal(c.Chunk, []byte{1, 2, 3}) {
		t.Fatalf("unexpected fields: %+v", c)
	}
}

func TestParseUploadIsotpChunkTruncated(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	buf.WriteByte(OpUploadIsotpChunk)
	buf.Write(be16(0))
	buf.Write(be16(5)) // claims 5 bytes
	buf.Write([]byte{1, 2})

	if _, err := codec.Parse(buf.Bytes()); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestParseSendIsotpBuffer(t *testing.T) {
	codec := Codec{}
	var buf bytes.Buffer
	buf.WriteByte(OpSendIsotpBuffer)
	buf.Write(be16(128))

	cmd, err := codec.Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s, ok := cmd.(*SendIsotpBuffer)
	if !ok {
		t.Fatalf("expected *SendIsotpBuffer, got %T", cmd)
	}
	if s.TotalLength != 128 {
		t.Fatalf("expected total_length 128, got %d", s.TotalLength)
	}
}

func TestParseStartAndStopPeriodic(t *testing.T) {
	codec := Codec{}

	var start bytes.Buffer
	start.WriteByte(OpStartPeriodic)
	start.WriteByte(2)       // idx
	start.Write(be16(100))   // interval_ms
	start.Write(be32(0x7E0)) // request id
	start.Write(be32(0x7E8)) // reply id
	start.Write(be16(0))     // count
	start.Write([]byte{9, 9, 9})

	cmd, err := codec.Parse(start.Bytes())
	if err != nil {
		t.Fatalf("Parse StartPeriodic: %v", err)
	}
	sp, ok := cmd.(*StartPeriodic)
	if !ok {
		t.Fatalf("expected *StartPeriodic, got %T", cmd)
	}
	if sp.Idx != 2 || sp.IntervalMs != 100 || !bytes.Equal(sp.Payloads, []byte{9, 9, 9}) {
		t.Fatalf("unexpected fields: %+v", sp)
	}

	var stop bytes.Buffer
	stop.WriteByte(OpStopPeriodic)
	stop.WriteByte(2)
	stop.Write(be32(0x7E0))
	stop.Write(be32(0x7E8))

	cmd, err = codec.Parse(stop.Bytes())
	if err != nil {
		t.Fatalf("Parse StopPeriodic: %v", err)
	}
	st, ok := cmd.(*StopPeriodic)
	if !ok {
		t.Fatalf("expected *StopPeriodic, got %T", cmd)
	}
	if st.Idx != 2 {
		t.Fatalf("unexpected fields: %+v", st)
	}
}

func TestParseInvalidCommand(t *testing.T) {
	codec := Codec{}
	if _, err := codec.Parse([]byte{0xFF}); err != ErrInvalidCommand {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestParseEmptyBuffer(t *testing.T) {
	codec := Codec{}
	if _, err := codec.Parse(nil); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func TestEncodeResponse(t *testing.T) {
	codec := Codec{}
	pdu := []byte{1, 2, 3, 4}
	out := codec.EncodeResponse(0x7E0, 0x7E8, pdu)
	if len(out) != 8+len(pdu) {
		t.Fatalf("expected length %d, got %d", 8+len(pdu), len(out))
	}
	if binary.BigEndian.Uint32(out[0:4]) != 0x7E0 {
		t.Fatalf("expected request id 0x7E0 at offset 0")
	}
	if binary.BigEndian.Uint32(out[4:8]) != 0x7E8 {
		t.Fatalf("expected reply id 0x7E8 at offset 4")
	}
	if !bytes.Equal(out[8:], pdu) {
		t.Fatalf("expected pdu tail to match")
	}
}

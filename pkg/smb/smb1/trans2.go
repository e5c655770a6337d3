package smb1

import (
	"errors"
	"fmt"

	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// TRANS2 subcommands
const (
	Trans2GetDFSReferral uint16 = 0x0010
)

// ErrTrans2Fragmented is returned for a TRANS2 response split over several messages.
var ErrTrans2Fragmented = errors.New("fragmented TRANS2 response")

// Trans2Request is a SMB_COM_TRANSACTION2 request with a single setup word.
type Trans2Request struct {
	Subcommand        uint16
	MaxParameterCount uint16
	MaxDataCount      uint16
	Parameters        []byte
	Data              []byte
}

// NewGetDFSReferralRequest wraps an encoded REQ_GET_DFS_REFERRAL.
func NewGetDFSReferralRequest(params []byte, maxData uint16) *Trans2Request {
	return &Trans2Request{
		Subcommand:        Trans2GetDFSReferral,
		MaxParameterCount: 0,
		MaxDataCount:      maxData,
		Parameters:        params,
	}
}

func (r *Trans2Request) Command() Command { return CommandTrans2 }

// Marshal lays out parameters and data 4-byte aligned from the header start.
func (r *Trans2Request) Marshal() []byte {
	w := newBody(15)
	w.PutUint16(uint16(len(r.Parameters)))
	w.PutUint16(uint16(len(r.Data)))
	w.PutUint16(r.MaxParameterCount)
	w.PutUint16(r.MaxDataCount)
	w.PutUint8(0) // MaxSetupCount
	w.PutUint8(0)
	w.PutUint16(0) // Flags
	w.PutUint32(0) // Timeout
	w.PutUint16(0)
	w.PutUint16(uint16(len(r.Parameters)))
	paramOffPos := w.Index()
	w.PutUint16(0)
	w.PutUint16(uint16(len(r.Data)))
	dataOffPos := w.Index()
	w.PutUint16(0)
	w.PutUint8(1) // SetupCount
	w.PutUint8(0)
	w.PutUint16(r.Subcommand)

	pos := beginData(w)
	w.Align(4, true)
	w.PutUint16At(paramOffPos, uint16(HeaderSize+w.Index()))
	w.PutBytes(r.Parameters)
	w.Align(4, true)
	if len(r.Data) > 0 {
		w.PutUint16At(dataOffPos, uint16(HeaderSize+w.Index()))
		w.PutBytes(r.Data)
	}
	return endData(w, pos)
}

// Unmarshal parses a TRANS2 request.
func (r *Trans2Request) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandTrans2, 15)
	if err != nil {
		return err
	}
	wr := b.words
	wr.Skip(4) // totals
	r.MaxParameterCount = wr.Uint16()
	r.MaxDataCount = wr.Uint16()
	wr.Skip(10)
	pc, po := int(wr.Uint16()), int(wr.Uint16())
	dc, do := int(wr.Uint16()), int(wr.Uint16())
	if setup := wr.Uint8(); setup != 1 {
		return fmt.Errorf("%s: setup count %d", CommandTrans2, setup)
	}
	wr.Skip(1)
	r.Subcommand = wr.Uint16()
	if err := wr.Err(); err != nil {
		return fmt.Errorf("%s: %w", CommandTrans2, err)
	}
	if r.Parameters, err = readSection(b, po, pc); err != nil {
		return err
	}
	if r.Data, err = readSection(b, do, dc); err != nil {
		return err
	}
	return nil
}

// Trans2Response carries the parameter and data sections of a TRANS2 reply.
type Trans2Response struct {
	Setup      []uint16
	Parameters []byte
	Data       []byte
}

func (r *Trans2Response) Command() Command { return CommandTrans2 }
func (r *Trans2Response) WordCount() int   { return 10 }

// Marshal serializes a single-fragment response.
func (r *Trans2Response) Marshal() []byte {
	w := newBody(10 + len(r.Setup))
	w.PutUint16(uint16(len(r.Parameters)))
	w.PutUint16(uint16(len(r.Data)))
	w.PutUint16(0)
	w.PutUint16(uint16(len(r.Parameters)))
	paramOffPos := w.Index()
	w.PutUint16(0)
	w.PutUint16(0) // ParameterDisplacement
	w.PutUint16(uint16(len(r.Data)))
	dataOffPos := w.Index()
	w.PutUint16(0)
	w.PutUint16(0) // DataDisplacement
	w.PutUint8(uint8(len(r.Setup)))
	w.PutUint8(0)
	for _, s := range r.Setup {
		w.PutUint16(s)
	}

	pos := beginData(w)
	w.Align(4, true)
	w.PutUint16At(paramOffPos, uint16(HeaderSize+w.Index()))
	w.PutBytes(r.Parameters)
	w.Align(4, true)
	w.PutUint16At(dataOffPos, uint16(HeaderSize+w.Index()))
	w.PutBytes(r.Data)
	return endData(w, pos)
}

// Unmarshal parses a TRANS2 response.
func (r *Trans2Response) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandTrans2, r.WordCount())
	if err != nil {
		return err
	}
	wr := b.words
	totalParams, totalData := int(wr.Uint16()), int(wr.Uint16())
	wr.Skip(2)
	pc, po := int(wr.Uint16()), int(wr.Uint16())
	pd := wr.Uint16()
	dc, do := int(wr.Uint16()), int(wr.Uint16())
	dd := wr.Uint16()
	setupCount := int(wr.Uint8())
	wr.Skip(1)
	if b.wordCount < 10+setupCount {
		return fmt.Errorf("%s: %w: %d words for %d setup", CommandTrans2, ErrWordCount, b.wordCount, setupCount)
	}
	r.Setup = make([]uint16, setupCount)
	for i := range r.Setup {
		r.Setup[i] = wr.Uint16()
	}
	if err := wr.Err(); err != nil {
		return fmt.Errorf("%s: %w", CommandTrans2, err)
	}
	if pd != 0 || dd != 0 || pc < totalParams || dc < totalData {
		return fmt.Errorf("%s: %w", CommandTrans2, ErrTrans2Fragmented)
	}
	if r.Parameters, err = readSection(b, po, pc); err != nil {
		return err
	}
	if r.Data, err = readSection(b, do, dc); err != nil {
		return err
	}
	return nil
}

// readSection reads count bytes at a header-relative offset inside the data block.
func readSection(b *block, offset, count int) ([]byte, error) {
	if count == 0 {
		return nil, nil
	}
	start := offset - HeaderSize
	if start < b.dataStart || start+count > b.dataEnd() {
		return nil, fmt.Errorf("%s: section [%d,+%d): %w", CommandTrans2, offset, count, types.ErrBufferOutOfRange)
	}
	c := b.data.At(start)
	out := c.Read(count)
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", CommandTrans2, err)
	}
	return out, nil
}

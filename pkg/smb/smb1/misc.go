package smb1

// EchoRequest asks the server to echo Data EchoCount times.
type EchoRequest struct {
	EchoCount uint16
	Data      []byte
}

func (r *EchoRequest) Command() Command { return CommandEcho }

func (r *EchoRequest) Marshal() []byte {
	w := newBody(1)
	w.PutUint16(r.EchoCount)
	pos := beginData(w)
	w.PutBytes(r.Data)
	return endData(w, pos)
}

func (r *EchoRequest) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandEcho, 1)
	if err != nil {
		return err
	}
	r.EchoCount = b.words.Uint16()
	r.Data = b.data.Read(b.byteCount)
	return b.err(CommandEcho)
}

// EchoResponse is one echoed reply.
type EchoResponse struct {
	SequenceNumber uint16
	Data           []byte
}

func (r *EchoResponse) Command() Command { return CommandEcho }
func (r *EchoResponse) WordCount() int   { return 1 }

func (r *EchoResponse) Marshal() []byte {
	w := newBody(1)
	w.PutUint16(r.SequenceNumber)
	pos := beginData(w)
	w.PutBytes(r.Data)
	return endData(w, pos)
}

func (r *EchoResponse) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandEcho, r.WordCount())
	if err != nil {
		return err
	}
	r.SequenceNumber = b.words.Uint16()
	r.Data = b.data.Read(b.byteCount)
	return b.err(CommandEcho)
}

// NTCancelRequest cancels the pending request whose MID, PID, TID and UID
// it carries in its header. The server never answers it.
type NTCancelRequest struct{}

func (r *NTCancelRequest) Command() Command { return CommandNTCancel }
func (r *NTCancelRequest) Marshal() []byte  { return emptyBody() }

func (r *NTCancelRequest) Unmarshal(body []byte) error {
	_, err := openBlock(body, CommandNTCancel, 0)
	return err
}

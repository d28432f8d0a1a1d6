package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"taglink/cip"
	"taglink/eip"
	"taglink/logging"
	"taglink/status"
)

// writerLoop drains the request queue onto the socket until the session
// leaves the READY state. It also owns the idle keepalive probe.
func (s *Session) writerLoop(conn net.Conn) {
	keepalive := time.NewTimer(keepaliveIdle)
	defer keepalive.Stop()

	for {
		s.mu.Lock()
		if s.terminating || s.state != StateReady {
			s.mu.Unlock()
			return
		}
		wantIdent := s.identCh != nil && s.identity == nil
		idle := time.Since(s.lastTraffic)
		s.mu.Unlock()

		for {
			batch := s.takeBatch()
			if len(batch) == 0 {
				break
			}
			if err := s.sendBatch(conn, batch); err != nil {
				logging.Error("session", "send to %s failed: %v", s.opts.Gateway, err)
				s.mu.Lock()
				if !s.terminating {
					s.state = StateBroken
				}
				s.mu.Unlock()
				return
			}
		}

		// Cheap probe when idle, and on explicit identity requests.
		if wantIdent || idle > keepaliveIdle {
			frame := eip.Encap{Command: eip.CmdListIdentity}
			if err := s.writeFrame(conn, &frame); err != nil {
				logging.Error("session", "keepalive to %s failed: %v", s.opts.Gateway, err)
				s.mu.Lock()
				if !s.terminating {
					s.state = StateBroken
				}
				s.mu.Unlock()
				return
			}
		}

		select {
		case <-s.wake:
		case <-keepalive.C:
			keepalive.Reset(keepaliveIdle)
		}
	}
}

// takeBatch pops the next transmission unit off the queue: either one
// request, or a run of packable requests that fit the payload together.
func (s *Session) takeBatch() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop aborted requests before they hit the wire.
	live := s.queue[:0]
	for _, r := range s.queue {
		if !r.Aborted() {
			live = append(live, r)
		}
	}
	s.queue = live

	if len(s.queue) == 0 {
		return nil
	}

	first := s.queue[0]
	maxPayload := int(cip.ConnectionSizeSmall)
	if s.cipConn != nil {
		maxPayload = int(s.cipConn.Size) - 2
	}

	if !first.AllowPacking || first.FirstRead {
		s.queue = s.queue[1:]
		return []*Request{first}
	}

	batch := []*Request{first}
	total := len(first.Data)
	for _, next := range s.queue[1:] {
		if !next.AllowPacking || next.FirstRead || next.Connected != first.Connected {
			break
		}
		if cip.MultipleServiceOverhead(len(batch)+1)+total+len(next.Data) > maxPayload {
			break
		}
		batch = append(batch, next)
		total += len(next.Data)
	}

	s.queue = s.queue[len(batch):]
	return batch
}

// sendBatch transmits one batch, registering it for response matching
// before the bytes leave.
func (s *Session) sendBatch(conn net.Conn, batch []*Request) error {
	var payload []byte
	p := &pending{reqs: batch, packed: len(batch) > 1}

	if p.packed {
		services := make([][]byte, len(batch))
		for i, r := range batch {
			services[i] = r.Data
		}
		ms, err := cip.BuildMultipleServiceRequest(services)
		if err != nil {
			for _, r := range batch {
				r.complete(status.ErrEncode, nil)
			}
			return nil
		}
		payload = ms
		logging.Detail("session", "packed %d requests into one Multiple Service Packet", len(batch))
	} else {
		payload = batch[0].Data
	}

	s.mu.Lock()
	cc := s.cipConn
	handle := s.handle
	connected := batch[0].Connected && cc != nil
	s.mu.Unlock()

	var frame eip.Encap

	if connected {
		seq := cc.NextSequence()
		for _, r := range batch {
			r.seq = seq
		}

		data := cip.WrapConnected(seq, payload)
		cmdData := eip.CommandData{Packet: eip.ConnectedPacket(cc.OTConnID, data).Bytes()}
		frame = eip.Encap{
			Command:       eip.CmdSendUnitData,
			SessionHandle: handle,
			Data:          cmdData.Bytes(),
		}

		s.mu.Lock()
		s.inflightSq[seq] = p
		s.mu.Unlock()
	} else {
		if len(s.opts.RoutePath) > 0 {
			payload = cip.WrapUnconnectedSend(payload, s.opts.RoutePath)
			p.routed = true
		}

		s.mu.Lock()
		s.contextCounter++
		ctx := s.contextCounter
		s.inflight[ctx] = p
		s.mu.Unlock()

		for _, r := range batch {
			r.context = ctx
		}

		cmdData := eip.CommandData{Packet: eip.UnconnectedPacket(payload).Bytes()}
		frame = eip.Encap{
			Command:       eip.CmdSendRRData,
			SessionHandle: handle,
			SenderContext: ctx,
			Data:          cmdData.Bytes(),
		}
	}

	if err := s.writeFrame(conn, &frame); err != nil {
		s.unregister(p)
		for _, r := range batch {
			r.complete(status.ErrBadConnection, nil)
		}
		return err
	}

	return nil
}

// writeFrame writes one encapsulation frame with the socket deadline.
func (s *Session) writeFrame(conn net.Conn, frame *eip.Encap) error {
	data := frame.Bytes()
	logging.TX("eip", data)

	_ = conn.SetWriteDeadline(time.Now().Add(socketTimeout))
	_, err := conn.Write(data)
	_ = conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("writeFrame: %w", err)
	}

	s.mu.Lock()
	s.lastTraffic = time.Now()
	s.mu.Unlock()
	return nil
}

// unregister removes a pending group from both in-flight maps.
func (s *Session) unregister(p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.inflight {
		if v == p {
			delete(s.inflight, k)
		}
	}
	for k, v := range s.inflightSq {
		if v == p {
			delete(s.inflightSq, k)
		}
	}
}

// reader pulls one encapsulation frame per iteration and demultiplexes
// it to the matching in-flight request group. A malformed frame breaks
// the session; pending requests then complete with ErrBadReply.
func (s *Session) reader(conn net.Conn, done chan struct{}) {
	defer close(done)

	for {
		enc, err := eip.ReadEncap(conn)
		if err != nil {
			var ne net.Error
			ioErr := errors.As(err, &ne) || errors.Is(err, io.EOF) ||
				errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
			if !ioErr {
				// The frame itself was rejected (e.g. an excessive length).
				logging.Error("session", "malformed frame from %s: %v", s.opts.Gateway, err)
				s.breakSession(conn)
				return
			}
			s.mu.Lock()
			broken := !s.terminating && s.state == StateReady
			if broken {
				s.state = StateBroken
			}
			s.mu.Unlock()
			if broken {
				logging.Error("session", "read from %s failed: %v", s.opts.Gateway, err)
			}
			s.signalWriter()
			return
		}

		logging.RX("eip", enc.Bytes())

		s.mu.Lock()
		s.lastTraffic = time.Now()
		s.mu.Unlock()

		switch enc.Command {
		case eip.CmdSendRRData:
			s.handleRRData(enc)
		case eip.CmdSendUnitData:
			s.handleUnitData(enc)
		case eip.CmdListIdentity:
			s.handleIdentity(enc)
		default:
			logging.Error("session", "unexpected encapsulation command 0x%04X from %s", enc.Command, s.opts.Gateway)
			s.breakSession(conn)
			return
		}
	}
}

// breakSession marks the session BROKEN and fails everything pending
// with ErrBadReply.
func (s *Session) breakSession(conn net.Conn) {
	s.mu.Lock()
	if !s.terminating {
		s.state = StateBroken
	}
	s.mu.Unlock()

	s.failAll(status.ErrBadReply)
	_ = conn.Close()
	s.signalWriter()
}

func (s *Session) handleRRData(enc *eip.Encap) {
	s.mu.Lock()
	p := s.inflight[enc.SenderContext]
	delete(s.inflight, enc.SenderContext)
	s.mu.Unlock()

	if p == nil {
		logging.Warn("session", "no match for sender context 0x%016X from %s", enc.SenderContext, s.opts.Gateway)
		return
	}

	if enc.Status != 0 {
		logging.Error("session", "encapsulation status 0x%08X from %s", enc.Status, s.opts.Gateway)
		for _, r := range p.reqs {
			r.complete(status.ErrBadReply, nil)
		}
		return
	}

	cipResp, err := unwrapRRData(enc.Data)
	if err == nil && p.routed {
		cipResp, err = cip.UnwrapUnconnectedSend(cipResp)
	}
	if err != nil {
		logging.Error("session", "bad reply from %s: %v", s.opts.Gateway, err)
		for _, r := range p.reqs {
			r.complete(status.ErrBadReply, nil)
		}
		return
	}

	s.deliver(p, cipResp)
}

func (s *Session) handleUnitData(enc *eip.Encap) {
	if enc.Status != 0 {
		logging.Error("session", "encapsulation status 0x%08X from %s", enc.Status, s.opts.Gateway)
		return
	}

	raw, err := unwrapRRData(enc.Data)
	if err != nil {
		logging.Error("session", "bad connected reply from %s: %v", s.opts.Gateway, err)
		return
	}

	seq, cipResp, err := cip.UnwrapConnected(raw)
	if err != nil {
		logging.Error("session", "bad connected reply from %s: %v", s.opts.Gateway, err)
		return
	}

	s.mu.Lock()
	p := s.inflightSq[seq]
	delete(s.inflightSq, seq)
	s.mu.Unlock()

	if p == nil {
		logging.Warn("session", "no match for connection sequence %d from %s", seq, s.opts.Gateway)
		return
	}

	s.deliver(p, cipResp)
}

func (s *Session) handleIdentity(enc *eip.Encap) {
	idents, err := eip.ParseListIdentity(enc.Data)
	if err != nil || len(idents) == 0 {
		return
	}

	s.mu.Lock()
	s.identity = &idents[0]
	ch := s.identCh
	s.identCh = nil
	s.mu.Unlock()

	if ch != nil {
		ch <- &idents[0]
	}
}

// deliver hands a matched CIP response to its request group. Packed
// groups are split by the embedded offset table; sub-responses are
// matched in order to the packed sub-requests.
func (s *Session) deliver(p *pending, cipResp []byte) {
	if !p.packed {
		p.reqs[0].complete(status.OK, cipResp)
		return
	}

	outer, err := cip.ParseResponse(cipResp)
	if err != nil {
		for _, r := range p.reqs {
			r.complete(status.ErrBadReply, nil)
		}
		return
	}

	// 0x1E means some embedded services failed; the sub-responses still
	// carry their individual statuses.
	if outer.GeneralStatus != cip.StatusSuccess && outer.GeneralStatus != cip.StatusEmbeddedError {
		st := outer.Status()
		for _, r := range p.reqs {
			r.complete(st, nil)
		}
		return
	}

	subs, err := cip.SplitMultipleServiceResponse(outer.Data)
	if err != nil || len(subs) != len(p.reqs) {
		logging.Error("session", "bad Multiple Service reply from %s: %v (%d of %d)",
			s.opts.Gateway, err, len(subs), len(p.reqs))
		for _, r := range p.reqs {
			r.complete(status.ErrBadReply, nil)
		}
		return
	}

	for i, r := range p.reqs {
		r.complete(status.OK, subs[i])
	}
}

package session

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"taglink/cip"
	"taglink/eip"
	"taglink/logging"
	"taglink/status"
)

// DefaultPort is the EtherNet/IP TCP port.
const DefaultPort = 44818

// State is the session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateRegistering
	StateOpeningConn
	StateReady
	StateBroken
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateRegistering:
		return "REGISTERING"
	case StateOpeningConn:
		return "OPENING_CONN"
	case StateReady:
		return "READY"
	case StateBroken:
		return "BROKEN"
	case StateTerminating:
		return "TERMINATING"
	default:
		return fmt.Sprintf("STATE_%d", int(s))
	}
}

// Timing constants.
const (
	connectTimeout   = 5 * time.Second
	socketTimeout    = 10 * time.Second
	keepaliveIdle    = 4 * time.Second
	reconnectBackoff = 500 * time.Millisecond
)

// Options configure a session at creation.
type Options struct {
	Gateway      string // host or host:port
	RoutePath    []byte // CIP routing to the CPU; empty for direct targets
	Group        int    // connection group; distinct groups get distinct sessions
	UseConnected bool   // establish a CIP connection (Forward Open)
}

// Session is one TCP connection to a gateway, shared by tags.
type Session struct {
	opts Options

	mu      sync.Mutex
	state   State
	conn    net.Conn
	handle  uint32 // EtherNet/IP session handle
	cipConn *cip.Connection
	refs    int

	queue      []*Request
	inflight   map[uint64]*pending // by sender context
	inflightSq map[uint16]*pending // by connection sequence

	contextCounter uint64
	terminating    bool
	lastTraffic    time.Time

	identity *eip.Identity
	identCh  chan *eip.Identity

	wake chan struct{} // writer wakeup
	done chan struct{} // run loop exited
}

// pending groups an on-the-wire frame with the requests it carries:
// one for a plain request, several for a packed Multiple Service Packet.
type pending struct {
	reqs   []*Request
	packed bool
	routed bool // wrapped in Unconnected Send
}

// Process-wide session table, keyed by (gateway, route path, group).
var (
	sessionsMu sync.Mutex
	sessions   = map[string]*Session{}
)

func sessionKey(o Options) string {
	return fmt.Sprintf("%s|%x|%d", o.Gateway, o.RoutePath, o.Group)
}

// FindOrCreate returns the session for the triple, creating and starting
// it on first use. The caller holds a reference and must Release it.
func FindOrCreate(o Options) (*Session, error) {
	if o.Gateway == "" {
		return nil, fmt.Errorf("FindOrCreate: empty gateway")
	}
	if !strings.Contains(o.Gateway, ":") {
		o.Gateway = fmt.Sprintf("%s:%d", o.Gateway, DefaultPort)
	}

	key := sessionKey(o)

	sessionsMu.Lock()
	defer sessionsMu.Unlock()

	if s, ok := sessions[key]; ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s, nil
	}

	s := &Session{
		opts:       o,
		state:      StateConnecting,
		refs:       1,
		inflight:   map[uint64]*pending{},
		inflightSq: map[uint16]*pending{},
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	sessions[key] = s

	logging.Info("session", "creating session for %s (path=% X group=%d connected=%v)",
		o.Gateway, o.RoutePath, o.Group, o.UseConnected)

	go s.run()

	return s, nil
}

// Release drops one reference. The last release shuts the session down
// and removes it from the table.
func (s *Session) Release() {
	s.mu.Lock()
	s.refs--
	last := s.refs <= 0
	s.mu.Unlock()

	if !last {
		return
	}

	sessionsMu.Lock()
	if sessions[sessionKey(s.opts)] == s {
		delete(sessions, sessionKey(s.opts))
	}
	sessionsMu.Unlock()

	s.Shutdown()
}

// Gateway returns the gateway endpoint.
func (s *Session) Gateway() string {
	return s.opts.Gateway
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MaxPayload returns the negotiated per-request payload budget: the CIP
// connection size minus the sequence word when connected, the standard
// unconnected size otherwise.
func (s *Session) MaxPayload() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipConn != nil {
		return int(s.cipConn.Size) - 2
	}
	return int(cip.ConnectionSizeSmall)
}

// NextSequence returns the next connected-messaging sequence number, or 0
// when no CIP connection is open.
func (s *Session) NextSequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipConn == nil {
		return 0
	}
	return s.cipConn.NextSequence()
}

// Identity returns the cached ListIdentity record, fetching it if the
// target has not been asked yet.
func (s *Session) Identity(timeout time.Duration) (*eip.Identity, error) {
	s.mu.Lock()
	if s.identity != nil {
		id := s.identity
		s.mu.Unlock()
		return id, nil
	}
	if s.identCh == nil {
		s.identCh = make(chan *eip.Identity, 1)
	}
	ch := s.identCh
	s.mu.Unlock()

	s.signalWriter()

	select {
	case id := <-ch:
		return id, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("Identity: timed out after %v", timeout)
	}
}

// Submit queues a request for transmission. Completion is delivered via
// the request's callback. A terminating session fails the request with
// ErrAbort immediately.
func (s *Session) Submit(req *Request) {
	s.mu.Lock()
	if s.terminating {
		s.mu.Unlock()
		req.complete(status.ErrAbort, nil)
		return
	}
	s.queue = append(s.queue, req)
	s.mu.Unlock()

	s.signalWriter()
}

// Shutdown closes the session: queued and in-flight requests complete
// with ErrAbort, Forward Close and UnregisterSession are attempted
// best-effort, and the socket is closed.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.terminating {
		s.mu.Unlock()
		return
	}
	s.terminating = true
	s.state = StateTerminating
	s.mu.Unlock()

	logging.Info("session", "shutting down session for %s", s.opts.Gateway)

	s.failAll(status.ErrAbort)
	s.signalWriter()
	<-s.done
}

func (s *Session) signalWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// failAll completes every queued and in-flight request with the status.
func (s *Session) failAll(st status.Status) {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	var flights []*pending
	for _, p := range s.inflight {
		flights = append(flights, p)
	}
	for _, p := range s.inflightSq {
		flights = append(flights, p)
	}
	s.inflight = map[uint64]*pending{}
	s.inflightSq = map[uint16]*pending{}
	s.mu.Unlock()

	for _, req := range queued {
		req.complete(st, nil)
	}
	for _, p := range flights {
		for _, req := range p.reqs {
			req.complete(st, nil)
		}
	}
}

// hasWork reports queued requests under the session mutex.
func (s *Session) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0 || s.identCh != nil
}

// run is the session lifecycle loop: connect, serve traffic until the
// socket breaks, then wait for the next submission to reconnect.
func (s *Session) run() {
	defer close(s.done)

	for {
		// Wait for work before (re)connecting.
		for !s.hasWork() {
			s.mu.Lock()
			term := s.terminating
			s.mu.Unlock()
			if term {
				return
			}
			<-s.wake
		}

		s.mu.Lock()
		if s.terminating {
			s.mu.Unlock()
			s.failAll(status.ErrAbort)
			return
		}
		s.state = StateConnecting
		s.mu.Unlock()

		conn, err := s.connect()
		if err != nil {
			logging.Error("session", "connect to %s failed: %v", s.opts.Gateway, err)
			st := status.ErrBadGateway
			if errors.Is(err, errForwardOpen) {
				st = status.ErrBadConnection
			}
			s.mu.Lock()
			s.state = StateBroken
			s.mu.Unlock()
			s.failAll(st)
			time.Sleep(reconnectBackoff)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateReady
		s.lastTraffic = time.Now()
		s.mu.Unlock()

		readerDone := make(chan struct{})
		go s.reader(conn, readerDone)

		s.writerLoop(conn)

		// Writer exited: tear down the socket and drain the reader.
		s.teardown(conn)
		<-readerDone

		s.mu.Lock()
		term := s.terminating
		if !term {
			s.state = StateBroken
		}
		s.conn = nil
		s.cipConn = nil
		s.handle = 0
		s.mu.Unlock()

		if term {
			s.failAll(status.ErrAbort)
			return
		}

		// Outstanding requests see a retryable error; the next Submit
		// triggers reconnection.
		s.failAll(status.ErrBadConnection)
	}
}

// connect dials the gateway and performs the registration handshake plus
// the optional Forward Open, synchronously on this goroutine.
func (s *Session) connect() (net.Conn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.Dial("tcp", s.opts.Gateway)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	s.mu.Lock()
	s.state = StateRegistering
	s.mu.Unlock()

	handle, err := s.registerSession(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	logging.Info("session", "registered session 0x%08X with %s", handle, s.opts.Gateway)

	if s.opts.UseConnected {
		s.mu.Lock()
		s.state = StateOpeningConn
		s.mu.Unlock()

		if err := s.forwardOpen(conn, handle); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	return conn, nil
}

// registerSession performs the RegisterSession transaction.
func (s *Session) registerSession(conn net.Conn) (uint32, error) {
	req := eip.Encap{
		Command: eip.CmdRegisterSession,
		Data:    eip.RegisterSessionData(),
	}

	resp, err := s.transact(conn, &req)
	if err != nil {
		return 0, fmt.Errorf("RegisterSession: %w", err)
	}
	if resp.Command != eip.CmdRegisterSession || resp.Status != 0 {
		return 0, fmt.Errorf("RegisterSession: command 0x%04X status 0x%08X", resp.Command, resp.Status)
	}
	if resp.SessionHandle == 0 {
		return 0, fmt.Errorf("RegisterSession: got session handle 0")
	}

	return resp.SessionHandle, nil
}

// errForwardOpen marks a handshake failure at the CIP connection layer,
// distinguishing it from a gateway-level failure for status mapping.
var errForwardOpen = errors.New("forward open failed")

// forwardOpen establishes the CIP connection, trying the large variant
// first and falling back to the standard size.
func (s *Session) forwardOpen(conn net.Conn, handle uint32) error {
	connPath := cip.ConnectionPath(s.opts.RoutePath)

	var lastErr error
	for _, size := range []uint16{cip.ConnectionSizeLarge, cip.ConnectionSizeSmall} {
		reqData, serial := cip.BuildForwardOpenRequest(connPath, size)

		cmdData := eip.CommandData{Packet: eip.UnconnectedPacket(reqData).Bytes()}
		req := eip.Encap{
			Command:       eip.CmdSendRRData,
			SessionHandle: handle,
			Data:          cmdData.Bytes(),
		}

		resp, err := s.transact(conn, &req)
		if err != nil {
			return fmt.Errorf("ForwardOpen: %w", err)
		}
		if resp.Status != 0 {
			return fmt.Errorf("ForwardOpen: encapsulation status 0x%08X", resp.Status)
		}

		cipResp, err := unwrapRRData(resp.Data)
		if err != nil {
			return fmt.Errorf("ForwardOpen: %w", err)
		}

		parsed, err := cip.ParseResponse(cipResp)
		if err != nil {
			return fmt.Errorf("ForwardOpen: %w", err)
		}

		if parsed.ReplyService != (cip.SvcForwardOpen|cip.ReplyMask) &&
			parsed.ReplyService != (cip.SvcForwardOpenLarge|cip.ReplyMask) {
			return fmt.Errorf("ForwardOpen: unexpected reply service 0x%02X", parsed.ReplyService)
		}

		if parsed.GeneralStatus != cip.StatusSuccess {
			lastErr = fmt.Errorf("ForwardOpen (size=%d): %s (0x%02X)",
				size, status.CIPName(parsed.GeneralStatus), parsed.GeneralStatus)
			logging.Warn("session", "%v, retrying with smaller size", lastErr)
			continue
		}

		fo, err := cip.ParseForwardOpenResponse(parsed.Data)
		if err != nil {
			return fmt.Errorf("ForwardOpen: %w", err)
		}

		s.mu.Lock()
		s.cipConn = &cip.Connection{
			OTConnID:     fo.OTConnectionID,
			TOConnID:     fo.TOConnectionID,
			SerialNumber: serial,
			Size:         size,
		}
		s.mu.Unlock()

		logging.Info("session", "CIP connection open to %s: O->T 0x%08X T->O 0x%08X size %d",
			s.opts.Gateway, fo.OTConnectionID, fo.TOConnectionID, size)
		return nil
	}

	return fmt.Errorf("ForwardOpen: all connection sizes failed: %w: %v", errForwardOpen, lastErr)
}

// transact writes one encapsulation frame and reads one reply, for use
// during the handshake before the reader goroutine exists.
func (s *Session) transact(conn net.Conn, req *eip.Encap) (*eip.Encap, error) {
	data := req.Bytes()
	logging.TX("eip", data)

	_ = conn.SetWriteDeadline(time.Now().Add(socketTimeout))
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("transact: write: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(socketTimeout))
	resp, err := eip.ReadEncap(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("transact: read: %w", err)
	}

	logging.RX("eip", resp.Bytes())
	return resp, nil
}

// teardown sends best-effort Forward Close and UnregisterSession and
// closes the socket.
func (s *Session) teardown(conn net.Conn) {
	s.mu.Lock()
	cc := s.cipConn
	handle := s.handle
	s.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))

	if cc != nil {
		if fc, err := cip.BuildForwardCloseRequest(cc, cip.ConnectionPath(s.opts.RoutePath)); err == nil {
			cmdData := eip.CommandData{Packet: eip.UnconnectedPacket(fc).Bytes()}
			frame := eip.Encap{Command: eip.CmdSendRRData, SessionHandle: handle, Data: cmdData.Bytes()}
			_, _ = conn.Write(frame.Bytes())
		}
	}

	if handle != 0 {
		frame := eip.Encap{Command: eip.CmdUnRegisterSession, SessionHandle: handle}
		_, _ = conn.Write(frame.Bytes())
	}

	_ = conn.Close()
}

// unwrapRRData extracts the CIP payload from a SendRRData/SendUnitData
// encapsulation payload.
func unwrapRRData(data []byte) ([]byte, error) {
	cmdData, err := eip.ParseCommandData(data)
	if err != nil {
		return nil, err
	}
	packet, err := eip.ParseCommonPacket(cmdData.Packet)
	if err != nil {
		return nil, err
	}
	return packet.DataItem()
}

// Info is a diagnostic snapshot for the monitor API.
type Info struct {
	Gateway     string `json:"gateway"`
	State       string `json:"state"`
	Connected   bool   `json:"connected"`
	Queued      int    `json:"queued"`
	InFlight    int    `json:"in_flight"`
	Refs        int    `json:"refs"`
	ProductName string `json:"product_name,omitempty"`
	Serial      string `json:"serial,omitempty"`
	Revision    string `json:"revision,omitempty"`
}

// Snapshot returns diagnostics for this session. Identity fields appear
// once a ListIdentity reply has been seen.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Gateway:   s.opts.Gateway,
		State:     s.state.String(),
		Connected: s.cipConn != nil,
		Queued:    len(s.queue),
		InFlight:  len(s.inflight) + len(s.inflightSq),
		Refs:      s.refs,
	}
	if s.identity != nil {
		info.ProductName = s.identity.ProductName
		info.Serial = fmt.Sprintf("%08X", s.identity.SerialNumber)
		info.Revision = s.identity.Revision()
	}
	return info
}

// Snapshots returns diagnostics for every live session.
func Snapshots() []Info {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Package taglink is a client library for reading and writing named data
// items ("tags") on industrial PLCs over EtherNet/IP. It speaks CIP to
// Rockwell ControlLogix/CompactLogix and Omron NJ/NX controllers and
// PCCC-over-CIP to the PLC-5/SLC 500/MicroLogix family.
//
// Tags are identified by small integer handles. All I/O is asynchronous
// underneath: blocking Read/Write calls wait on the tag's completion
// signal while a per-gateway session pipelines requests on one TCP
// connection and a single tickler goroutine advances every tag's state
// machine and delivers callbacks.
package taglink

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taglink/cip"
	"taglink/logging"
	"taglink/pccc"
	"taglink/session"
	"taglink/status"
)

// nowMS returns the current time in milliseconds.
func nowMS() int64 {
	return time.Now().UnixMilli()
}

// pcccTNSCounter allocates PCCC transaction numbers process-wide.
var pcccTNSCounter uint32

func nextTNS() uint16 {
	for {
		t := uint16(atomic.AddUint32(&pcccTNSCounter, 1))
		if t != 0 {
			return t
		}
	}
}

// Tag is one named PLC data item (or fixed-size array slice) and the
// client-side state machine driving it.
type Tag struct {
	id     int32
	name   string
	family Family
	sess   *session.Session

	// Addressing.
	encodedName cip.EPath          // CIP symbolic path
	fileAddr    *pccc.FileAddress  // PCCC data-table address
	typeInfo    []byte             // encoded CIP type info from first read

	// Shape.
	elemSize  int
	elemCount int
	isBit     bool
	bitNum    int

	// Data buffer: elemSize*elemCount bytes unless allowResize grew it.
	data []byte

	byteOrder *ByteOrder

	// Options.
	useConnected bool
	allowPacking bool
	allowResize  bool

	// Timing (milliseconds).
	readCacheMS     int64
	readCacheExpire int64
	autoSyncReadMS  int64
	autoSyncWriteMS int64
	nextRead        int64
	nextWrite       int64

	// State. Guarded by apiMu.
	apiMu          sync.Mutex
	readInFlight   bool
	writeInFlight  bool
	readComplete   bool
	writeComplete  bool
	dirty            bool
	abortRequested   bool
	firstRead        bool
	preWriteRead     bool // read issued to capture type info for a pending write
	autoWritePending bool // WRITE_STARTED latched; write submits after dispatch
	closed         bool
	status         status.Status

	req         *session.Request
	pcccTNS     uint16
	fragBuf     []byte // reassembled fragmented read payload
	writeOffset int    // bytes written so far in a fragmented write

	events [eventCount]pendingEvent

	// Callback registration, guarded separately so dispatch can read it
	// without the API mutex.
	cbMu     sync.Mutex
	callback EventCallback
	userdata any

	// userMu is the client-visible Lock/Unlock mutex. The library never
	// takes it.
	userMu sync.Mutex

	// signal wakes blocked Read/Write callers; capacity one, non-blocking
	// sends.
	signal chan struct{}
}

// wake signals a blocked Read/Write caller on this tag.
func (t *Tag) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// newTag builds a tag from parsed attributes. It does not register it or
// start the first read; Create does both.
func newTag(attrs *attributes) (*Tag, status.Status) {
	proto := strings.ToLower(attrs.str("protocol", ""))
	if proto != "ab_eip" && proto != "ab-eip" {
		logging.Error("tag", "unsupported protocol %q", proto)
		return nil, status.ErrBadParam
	}

	plcName := attrs.str("plc", "")
	if plcName == "" {
		plcName = attrs.str("cpu", "lgx")
	}
	family, err := parseFamily(plcName)
	if err != nil {
		logging.Error("tag", "create: %v", err)
		return nil, status.ErrBadParam
	}

	gateway := attrs.str("gateway", "")
	if gateway == "" {
		logging.Error("tag", "create: missing gateway attribute")
		return nil, status.ErrBadParam
	}

	name := attrs.str("name", "")
	if name == "" {
		logging.Error("tag", "create: missing name attribute")
		return nil, status.ErrBadParam
	}

	routePath, err := cip.ParseRoutePath(attrs.str("path", ""))
	if err != nil {
		logging.Error("tag", "create: %v", err)
		return nil, status.ErrBadParam
	}

	byteOrder, err := applyByteOrderAttrs(attrs, family)
	if err != nil {
		logging.Error("tag", "create: %v", err)
		return nil, status.ErrBadParam
	}

	t := &Tag{
		name:      name,
		family:    family,
		byteOrder: byteOrder,
		status:    status.OK,
		signal:    make(chan struct{}, 1),
	}

	if debug, err := attrs.integer("debug", -1); err != nil {
		return nil, status.ErrBadParam
	} else if debug >= 0 {
		logging.SetLevel(debug)
	}

	// Shape attributes.
	t.elemCount, err = attrs.integer("elem_count", 1)
	if err != nil || t.elemCount <= 0 {
		logging.Error("tag", "create: bad elem_count")
		return nil, status.ErrBadParam
	}

	declaredSize := attrs.has("elem_size")
	t.elemSize, err = attrs.integer("elem_size", 0)
	if err != nil || t.elemSize < 0 || (declaredSize && t.elemSize == 0) {
		logging.Error("tag", "create: bad elem_size")
		return nil, status.ErrBadParam
	}

	if et := attrs.str("elem_type", ""); et != "" {
		parsed, err := parseElemType(et, byteOrder)
		if err != nil {
			logging.Error("tag", "create: %v", err)
			return nil, status.ErrBadParam
		}
		if !declaredSize {
			t.elemSize = parsed.size
		}
		if parsed.cipType != 0 && !family.usesPCCC() {
			t.typeInfo = []byte{byte(parsed.cipType), byte(parsed.cipType >> 8)}
		}
		if parsed.isBit {
			t.isBit = true
		}
	}

	// Addressing.
	if family.usesPCCC() {
		addr, err := pccc.ParseAddress(name)
		if err != nil {
			logging.Error("tag", "create: %v", err)
			return nil, status.ErrBadParam
		}
		t.fileAddr = addr
		if t.elemSize == 0 {
			t.elemSize = pccc.ElementSize(addr.FileType)
		}
		if addr.BitNumber >= 0 {
			t.isBit = true
			t.bitNum = addr.BitNumber
		}
	} else {
		base := name
		if t.isBit {
			if b, bit, ok := splitBitSuffix(name); ok {
				base = b
				t.bitNum = bit
			}
			// A bit tag addresses its containing element; the element
			// size comes from the first read when not declared.
			if t.elemSize == 1 && !declaredSize {
				t.elemSize = 0
			}
		}
		path, err := cip.NewPath().Symbol(base).Build()
		if err != nil {
			logging.Error("tag", "create: %v", err)
			return nil, status.ErrBadParam
		}
		t.encodedName = path
	}

	// Timing and option attributes.
	readCache, err := attrs.integer("read_cache_ms", 0)
	if err != nil || readCache < 0 {
		return nil, status.ErrBadParam
	}
	t.readCacheMS = int64(readCache)

	asr, err := attrs.integer("auto_sync_read_ms", 0)
	if err != nil || asr < 0 {
		return nil, status.ErrBadParam
	}
	t.autoSyncReadMS = int64(asr)

	asw, err := attrs.integer("auto_sync_write_ms", 0)
	if err != nil || asw < 0 {
		return nil, status.ErrBadParam
	}
	t.autoSyncWriteMS = int64(asw)

	defConnected := family == FamilyLogix || family == FamilyOmron
	t.useConnected, err = attrs.boolean("use_connected_msg", defConnected)
	if err != nil {
		return nil, status.ErrBadParam
	}

	t.allowPacking, err = attrs.boolean("allow_packing", family == FamilyLogix)
	if err != nil {
		return nil, status.ErrBadParam
	}

	t.allowResize, err = attrs.boolean("allow_field_resize", false)
	if err != nil {
		return nil, status.ErrBadParam
	}

	group, err := attrs.integer("connection_group_id", 0)
	if err != nil || group < 0 || group > 32767 {
		logging.Error("tag", "create: bad connection_group_id")
		return nil, status.ErrBadParam
	}

	// Data buffer, or first read when the size is unknown.
	if t.elemSize > 0 {
		t.data = make([]byte, t.elemSize*t.elemCount)
	} else {
		t.firstRead = true
	}

	sess, err := session.FindOrCreate(session.Options{
		Gateway:      gateway,
		RoutePath:    routePath,
		Group:        group,
		UseConnected: t.useConnected,
	})
	if err != nil {
		logging.Error("tag", "create: %v", err)
		return nil, status.ErrBadGateway
	}
	t.sess = sess

	return t, status.OK
}

// splitBitSuffix strips a trailing ".N" bit index from a tag name.
func splitBitSuffix(name string) (base string, bit int, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return name, 0, false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n < 0 {
		return name, 0, false
	}
	return name[:i], n, true
}

// GetStatus returns Pending while an operation is in flight, otherwise
// the last result. Caller holds the API mutex.
func (t *Tag) getStatus() status.Status {
	if t.readInFlight || t.writeInFlight {
		return status.Pending
	}
	return t.status
}

// submit attaches the completion hook and hands the request to the
// session. Caller holds the API mutex.
func (t *Tag) submit(req *session.Request) {
	t.req = req
	req.OnComplete(func(status.Status) {
		t.wake()
		ticklerWake()
	})
	t.sess.Submit(req)
}

// readStart begins a read. Caller holds the API mutex. Returns Pending
// on success, an error status otherwise.
func (t *Tag) readStart() status.Status {
	if t.readInFlight || t.writeInFlight {
		return status.ErrBusy
	}
	if t.dirty {
		// A queued auto-sync write would be overwritten by the read.
		return status.ErrBusy
	}

	var req *session.Request
	if t.family.usesPCCC() {
		size := t.elemSize * t.elemCount
		if size > 0xFF || size > t.sess.MaxPayload() {
			logging.Error("tag", "tag %d: %d bytes exceeds the PCCC transfer limit", t.id, size)
			return status.ErrTooLarge
		}
		tns := nextTNS()
		data, err := pccc.BuildTypedReadRequest(t.fileAddr, tns, size)
		if err != nil {
			logging.Error("tag", "tag %d: %v", t.id, err)
			return status.ErrEncode
		}
		t.pcccTNS = tns
		req = session.NewRequest(t.id, data, false, false)
	} else {
		data := cip.BuildReadRequest(t.encodedName, uint16(t.elemCount))
		req = session.NewRequest(t.id, data, t.useConnected, t.allowPacking)
		req.FirstRead = t.firstRead
	}

	t.readInFlight = true
	t.readComplete = false
	t.fragBuf = nil
	t.status = status.Pending
	drainSignal(t.signal)

	t.submit(req)
	return status.Pending
}

// continueRead issues the next fragmented read at the current offset.
// Caller holds the API mutex.
func (t *Tag) continueRead() {
	data := cip.BuildReadFragmentedRequest(t.encodedName, uint16(t.elemCount), uint32(len(t.fragBuf)))
	req := session.NewRequest(t.id, data, t.useConnected, false)
	t.submit(req)
}

// writeStart begins a write. Caller holds the API mutex.
func (t *Tag) writeStart() status.Status {
	if t.readInFlight || t.writeInFlight {
		return status.ErrBusy
	}

	// A CIP write needs the encoded type info. If it was never captured,
	// run an implicit read first and restart the write when it lands.
	if !t.family.usesPCCC() && len(t.typeInfo) == 0 && !t.isBit {
		st := t.readStart()
		if st != status.Pending {
			return st
		}
		t.preWriteRead = true
		return status.Pending
	}

	t.writeInFlight = true
	t.writeComplete = false
	t.writeOffset = 0
	t.status = status.Pending
	drainSignal(t.signal)

	st := t.writeNext()
	if st.IsError() {
		t.writeInFlight = false
		t.status = st
		return st
	}
	return status.Pending
}

// writeNext submits the next write request: the single request for small
// tags, one fragment for large ones. Caller holds the API mutex.
func (t *Tag) writeNext() status.Status {
	if t.family.usesPCCC() {
		return t.writePCCC()
	}

	if t.isBit {
		return t.writeBitCIP()
	}

	budget := t.writeBudget()
	if budget <= 0 {
		logging.Error("tag", "tag %d: no payload budget for write", t.id)
		return status.ErrTooLarge
	}

	total := len(t.data)
	remaining := total - t.writeOffset

	if t.writeOffset == 0 && total <= budget {
		// Whole tag fits one Write Tag request.
		data := cip.BuildWriteRequest(t.encodedName, t.typeInfo, uint16(t.elemCount), padWrite(t.data, t.padMultiple()))
		req := session.NewRequest(t.id, data, t.useConnected, t.allowPacking)
		t.writeOffset = total
		t.submit(req)
		return status.Pending
	}

	// Fragmented write path. Omron controllers reject fragmented writes.
	if t.family == FamilyOmron {
		logging.Error("tag", "tag %d: %d bytes exceeds the payload budget and Omron does not support fragmented writes", t.id, total)
		return status.ErrTooLarge
	}

	chunk := remaining
	if chunk > budget {
		chunk = budget
	}

	data := cip.BuildWriteFragmentedRequest(t.encodedName, t.typeInfo, uint16(t.elemCount),
		uint32(t.writeOffset), t.data[t.writeOffset:t.writeOffset+chunk])
	req := session.NewRequest(t.id, data, t.useConnected, false)
	t.writeOffset += chunk
	t.submit(req)
	return status.Pending
}

// writeBudget computes the per-packet payload budget for write data:
// negotiated payload minus fixed service overhead, the encoded name,
// type info, and routing overhead.
func (t *Tag) writeBudget() int {
	budget := t.sess.MaxPayload()
	budget -= 8 // service, path size, element count, fragment offset
	budget -= len(t.encodedName)
	budget -= len(t.typeInfo)
	if !t.useConnected {
		// Unconnected Send wrapper carries the embedded size and route.
		budget -= 16
	}
	return budget
}

// writeBitCIP issues one read-modify-write for a single-bit tag.
func (t *Tag) writeBitCIP() status.Status {
	maskSize := t.elemSize
	if maskSize == 0 {
		maskSize = 4
	}

	val := len(t.data) > 0 && t.data[0]&1 != 0
	orMask, andMask, err := cip.RMWMasks(maskSize, t.bitNum, val)
	if err != nil {
		logging.Error("tag", "tag %d: %v", t.id, err)
		return status.ErrBadParam
	}

	data, err := cip.BuildReadModifyWriteRequest(t.encodedName, orMask, andMask)
	if err != nil {
		logging.Error("tag", "tag %d: %v", t.id, err)
		return status.ErrEncode
	}

	req := session.NewRequest(t.id, data, t.useConnected, false)
	t.writeOffset = len(t.data)
	t.submit(req)
	return status.Pending
}

// writePCCC issues the single PCCC typed write, or the masked bit write
// for bit addresses. PCCC has no fragmentation.
func (t *Tag) writePCCC() status.Status {
	tns := nextTNS()

	var data []byte
	var err error
	if t.isBit {
		bit := uint16(1) << (t.bitNum % 16)
		var setMask, resetMask uint16
		if len(t.data) > 0 && t.data[0]&1 != 0 {
			setMask = bit
		} else {
			resetMask = bit
		}
		data, err = pccc.BuildBitWriteRequest(t.fileAddr, tns, setMask, resetMask)
	} else {
		if len(t.data) > 0xFF || len(t.data) > t.sess.MaxPayload() {
			logging.Error("tag", "tag %d: %d bytes exceeds the PCCC transfer limit", t.id, len(t.data))
			return status.ErrTooLarge
		}
		data, err = pccc.BuildTypedWriteRequest(t.fileAddr, tns, t.data)
	}
	if err != nil {
		logging.Error("tag", "tag %d: %v", t.id, err)
		return status.ErrEncode
	}

	t.pcccTNS = tns
	t.writeOffset = len(t.data)
	req := session.NewRequest(t.id, data, false, false)
	t.submit(req)
	return status.Pending
}

// padMultiple returns the write-data padding multiple: the declared
// string multiple for string tags, 16-bit word alignment otherwise.
func (t *Tag) padMultiple() int {
	if len(t.typeInfo) >= 1 && (t.typeInfo[0] == 0xD0 || t.typeInfo[0] == 0xDA) {
		return t.byteOrder.StrPadToMultipleBytes
	}
	return 2
}

// padWrite pads write data to the configured multiple. Padding applies
// only when there is data to pad.
func padWrite(data []byte, multiple int) []byte {
	if multiple <= 1 || len(data) == 0 || len(data)%multiple == 0 {
		return data
	}
	out := make([]byte, len(data)+(multiple-len(data)%multiple))
	copy(out, data)
	return out
}

// checkRead processes a completed read request: copies the payload,
// drives fragmented continuation, and finishes the read. Caller holds
// the API mutex; the tickler invokes it.
func (t *Tag) checkRead() {
	st, done := t.req.Done()
	if !done {
		return
	}

	if st.IsError() {
		t.finishRead(st)
		return
	}

	if t.family.usesPCCC() {
		t.checkReadPCCC()
		return
	}

	resp, err := cip.ParseResponse(t.req.Response())
	if err != nil {
		logging.Error("tag", "tag %d: %v", t.id, err)
		t.finishRead(status.ErrBadReply)
		return
	}

	// Both plain and fragmented reply codes are acceptable: a partial
	// transfer switches the continuation to the fragmented service.
	if resp.ReplyService != (cip.SvcReadTag|cip.ReplyMask) &&
		resp.ReplyService != (cip.SvcReadTagFragmented|cip.ReplyMask) {
		logging.Error("tag", "tag %d: unexpected reply service 0x%02X", t.id, resp.ReplyService)
		t.finishRead(status.ErrBadReply)
		return
	}

	if rs := resp.Status(); rs.IsError() {
		logging.Warn("tag", "tag %d: read failed: %s (CIP %s)", t.id, rs, status.CIPName(resp.GeneralStatus))
		t.finishRead(rs)
		return
	}

	typeInfo, elements, err := cip.ReadPayload(resp.Data)
	if err != nil {
		logging.Error("tag", "tag %d: %v", t.id, err)
		t.finishRead(status.ErrBadReply)
		return
	}

	if len(t.typeInfo) == 0 {
		t.typeInfo = append([]byte{}, typeInfo...)
	}

	t.fragBuf = append(t.fragBuf, elements...)

	if resp.Partial() {
		logging.Detail("tag", "tag %d: partial transfer, continuing at offset %d", t.id, len(t.fragBuf))
		t.continueRead()
		return
	}

	t.storeReadData()
	t.finishRead(status.OK)
}

// checkReadPCCC processes a completed PCCC read.
func (t *Tag) checkReadPCCC() {
	resp, err := cip.ParseResponse(t.req.Response())
	if err != nil || resp.ReplyService != (cip.SvcExecutePCCC|cip.ReplyMask) {
		logging.Error("tag", "tag %d: bad PCCC reply: %v", t.id, err)
		t.finishRead(status.ErrBadReply)
		return
	}
	if rs := resp.Status(); rs.IsError() {
		t.finishRead(rs)
		return
	}

	presp, err := pccc.ParseExecuteResponse(resp.Data)
	if err != nil {
		logging.Error("tag", "tag %d: %v", t.id, err)
		t.finishRead(status.ErrBadReply)
		return
	}
	if presp.Tns != t.pcccTNS {
		logging.Error("tag", "tag %d: PCCC transaction mismatch: want %d, got %d", t.id, t.pcccTNS, presp.Tns)
		t.finishRead(status.ErrNoMatch)
		return
	}
	if ps := presp.Status(); ps.IsError() {
		logging.Warn("tag", "tag %d: read failed: %s (PCCC %s)", t.id, ps, status.PCCCName(presp.Sts, presp.ExtSts))
		t.finishRead(ps)
		return
	}

	t.fragBuf = append([]byte{}, presp.Data...)
	t.storeReadData()
	t.finishRead(status.OK)
}

// storeReadData moves the reassembled payload into the tag buffer,
// resizing on the first read, when field resize is allowed, or when the
// payload length differs from the current buffer length.
func (t *Tag) storeReadData() {
	payload := t.fragBuf
	t.fragBuf = nil

	if t.firstRead || t.allowResize || len(t.data) != len(payload) {
		t.data = append([]byte{}, payload...)
		if t.elemCount > 0 && len(payload)%t.elemCount == 0 {
			t.elemSize = len(payload) / t.elemCount
		}
	} else {
		copy(t.data, payload)
	}

	// Bit tags surface the addressed bit as bit zero of the buffer.
	if t.isBit && !t.family.usesPCCC() && len(payload) > 0 {
		byteIdx := t.bitNum / 8
		var v byte
		if byteIdx < len(payload) && payload[byteIdx]&(1<<(t.bitNum%8)) != 0 {
			v = 1
		}
		t.data = make([]byte, maxInt(t.elemSize, 1))
		t.data[0] = v
	}
	if t.isBit && t.family.usesPCCC() && len(payload) >= 2 {
		word := uint16(payload[0]) | uint16(payload[1])<<8
		var v byte
		if word&(1<<(t.bitNum%16)) != 0 {
			v = 1
		}
		t.data = []byte{v, 0}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// finishRead completes the read, latches events and wakes waiters.
// Caller holds the API mutex.
func (t *Tag) finishRead(st status.Status) {
	t.readInFlight = false
	t.readComplete = true
	t.req = nil
	t.status = st

	if st == status.OK && t.readCacheMS > 0 {
		t.readCacheExpire = nowMS() + t.readCacheMS
	}

	if t.firstRead {
		t.firstRead = false
		t.raiseEvent(EventCreated, st)
	}

	// An aborted operation surfaces as ABORTED; READ_COMPLETED never
	// fires for it.
	if st == status.ErrAbort {
		t.raiseEvent(EventAborted, st)
	} else {
		t.raiseEvent(EventReadCompleted, st)
	}

	// An implicit pre-write read restarts the pending write.
	if t.preWriteRead {
		t.preWriteRead = false
		if st == status.OK {
			if ws := t.writeStart(); ws != status.Pending {
				t.status = ws
			}
			return
		}
	}

	t.wake()
}

// checkWrite processes a completed write request. Caller holds the API
// mutex; the tickler invokes it.
func (t *Tag) checkWrite() {
	st, done := t.req.Done()
	if !done {
		return
	}

	if st.IsError() {
		t.finishWrite(st)
		return
	}

	resp, err := cip.ParseResponse(t.req.Response())
	if err != nil {
		logging.Error("tag", "tag %d: %v", t.id, err)
		t.finishWrite(status.ErrBadReply)
		return
	}

	if t.family.usesPCCC() {
		if rs := resp.Status(); rs.IsError() {
			t.finishWrite(rs)
			return
		}
		presp, err := pccc.ParseExecuteResponse(resp.Data)
		if err != nil {
			t.finishWrite(status.ErrBadReply)
			return
		}
		if presp.Tns != t.pcccTNS {
			t.finishWrite(status.ErrNoMatch)
			return
		}
		if ps := presp.Status(); ps.IsError() {
			logging.Warn("tag", "tag %d: write failed: %s (PCCC %s)", t.id, ps, status.PCCCName(presp.Sts, presp.ExtSts))
			t.finishWrite(ps)
			return
		}
		t.finishWrite(status.OK)
		return
	}

	if rs := resp.Status(); rs.IsError() {
		logging.Warn("tag", "tag %d: write failed: %s (CIP %s)", t.id, rs, status.CIPName(resp.GeneralStatus))
		t.finishWrite(rs)
		return
	}

	if t.writeOffset < len(t.data) {
		// More fragments to go.
		if ws := t.writeNext(); ws.IsError() {
			t.finishWrite(ws)
		}
		return
	}

	t.finishWrite(status.OK)
}

// finishWrite completes the write, latches events and wakes waiters.
// Caller holds the API mutex.
func (t *Tag) finishWrite(st status.Status) {
	t.writeInFlight = false
	t.writeComplete = true
	t.req = nil
	t.status = st

	if st == status.OK {
		t.dirty = false
	}

	if st == status.ErrAbort {
		t.raiseEvent(EventAborted, st)
	} else {
		t.raiseEvent(EventWriteCompleted, st)
	}
	t.wake()
}

// abortOperation cancels in-flight work. Caller holds the API mutex.
// Idempotent: a tag with nothing in flight only records the status.
func (t *Tag) abortOperation() {
	t.abortRequested = false

	hadWork := t.readInFlight || t.writeInFlight
	if t.req != nil {
		t.req.Abort()
		t.req = nil
	}

	t.readInFlight = false
	t.writeInFlight = false
	t.preWriteRead = false
	t.fragBuf = nil
	t.dirty = false
	t.status = status.ErrAbort

	if hadWork {
		t.raiseEvent(EventAborted, status.ErrAbort)
	}
	t.wake()
}

// tick advances the tag's state machine: completion processing, abort
// handling, then auto-sync scheduling. Caller holds the API mutex. The
// return value is the earliest time this tag needs service again (0 for
// "no schedule").
func (t *Tag) tick(now int64) int64 {
	if t.abortRequested {
		t.abortOperation()
	}

	if t.req != nil {
		if t.readInFlight {
			t.checkRead()
		} else if t.writeInFlight {
			t.checkWrite()
		}
	}

	t.tickAutoSync(now)

	next := int64(0)
	if t.autoSyncReadMS > 0 && t.nextRead > 0 {
		next = t.nextRead
	}
	if t.autoSyncWriteMS > 0 && t.nextWrite > 0 && (next == 0 || t.nextWrite < next) {
		next = t.nextWrite
	}
	return next
}

// tickAutoSync drives periodic reads and dirty-triggered writes.
func (t *Tag) tickAutoSync(now int64) {
	if t.autoSyncWriteMS > 0 && t.dirty {
		// Writes take priority: a read in flight would clobber the
		// pending data, so cancel it.
		if t.readInFlight {
			logging.Detail("tag", "tag %d: aborting read in favor of automatic write", t.id)
			if t.req != nil {
				t.req.Abort()
				t.req = nil
			}
			t.readInFlight = false
			t.fragBuf = nil
		}

		if t.nextWrite == 0 {
			t.nextWrite = now + t.autoSyncWriteMS
			logging.Detail("tag", "tag %d: queueing automatic write in %dms", t.id, t.autoSyncWriteMS)
		} else if !t.writeInFlight && !t.autoWritePending && t.nextWrite <= now {
			t.nextWrite = 0
			// WRITE_STARTED fires before the request leaves so the
			// callback can populate the buffer in place; the tickler
			// submits the write after dispatching it.
			t.autoWritePending = true
			t.raiseEvent(EventWriteStarted, status.OK)
		}
	}

	if t.autoSyncReadMS > 0 && t.nextRead < now {
		if !t.readInFlight && !t.writeInFlight && !t.dirty {
			if st := t.readStart(); st == status.Pending {
				t.raiseEvent(EventReadStarted, status.OK)
			}
		}

		// Round to the next whole period so jitter does not accumulate.
		periods := (now - t.nextRead + t.autoSyncReadMS - 1) / t.autoSyncReadMS
		if periods > 1 && t.nextRead > 0 {
			logging.Warn("tag", "tag %d: skipping %d periods of %dms", t.id, periods, t.autoSyncReadMS)
		}
		t.nextRead += periods * t.autoSyncReadMS
	}
}

// drainSignal empties a signal channel before starting a fresh wait.
func drainSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

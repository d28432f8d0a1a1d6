package taglink

import (
	"time"

	"taglink/logging"
	"taglink/status"
)

// Library version.
const (
	VersionMajor = 1
	VersionMinor = 0
	VersionPatch = 0
)

// CheckLibVersion reports whether the library is compatible with the
// version the caller was built against: same major, minor no older than
// requested.
func CheckLibVersion(major, minor, patch int) status.Status {
	_ = patch
	if major != VersionMajor || minor > VersionMinor {
		return status.ErrUnsupported
	}
	return status.OK
}

// Create builds a tag from an attribute string and registers it. When the
// element size is not declared the tag performs a first read to learn its
// type and shape; a positive timeout waits for that read. Returns the tag
// identifier, or a status error.
func Create(attribs string, timeout time.Duration) (int32, error) {
	return CreateEx(attribs, nil, nil, timeout)
}

// CreateEx is Create with an event callback registered before any event
// can fire, so the CREATED event is always delivered.
func CreateEx(attribs string, cb EventCallback, userdata any, timeout time.Duration) (int32, error) {
	if st := libStart(); st != status.OK {
		return 0, st
	}

	attrs, err := parseAttributes(attribs)
	if err != nil {
		logging.Error("tag", "create: %v", err)
		return 0, status.ErrBadParam
	}

	t, st := newTag(attrs)
	if st != status.OK {
		return 0, st
	}

	if cb != nil {
		t.callback = cb
		t.userdata = userdata
	}

	id, st := registry.register(t)
	if st != status.OK {
		t.sess.Release()
		return 0, st
	}

	t.apiMu.Lock()
	if t.firstRead {
		if rs := t.readStart(); rs.IsError() {
			t.status = rs
		}
	} else {
		t.raiseEvent(EventCreated, status.OK)
	}
	events := t.takeEvents()
	t.apiMu.Unlock()

	t.dispatchEvents(events)
	ticklerWake()

	if timeout > 0 {
		st := t.waitDone(timeout)
		if st.IsError() {
			Destroy(id)
			return 0, st
		}
	}

	logging.Info("tag", "created tag %d for %q on %s", id, t.name, t.sess.Gateway())
	return id, nil
}

// Destroy aborts in-flight work, removes the tag from the registry,
// fires the DESTROYED event and releases the tag's session reference.
func Destroy(id int32) status.Status {
	// Remove first: new lookups must fail before state is torn down.
	t := registry.remove(id)
	if t == nil {
		return status.ErrNotFound
	}

	t.apiMu.Lock()
	if t.readInFlight || t.writeInFlight {
		t.abortOperation()
	}
	t.closed = true
	t.raiseEvent(EventDestroyed, status.OK)
	events := t.takeEvents()
	t.apiMu.Unlock()

	// DESTROYED is dispatched here, not by the tickler: the tag is gone
	// from the registry already.
	t.dispatchEvents(events)

	t.cbMu.Lock()
	t.callback = nil
	t.cbMu.Unlock()

	t.sess.Release()
	t.wake()

	logging.Info("tag", "destroyed tag %d", id)
	return status.OK
}

// Read starts a read. A zero timeout returns Pending immediately; a
// positive timeout blocks until completion and aborts the operation when
// the time expires.
func Read(id int32, timeout time.Duration) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}

	t.apiMu.Lock()

	// Fresh cache satisfies the read with no I/O.
	if t.readCacheMS > 0 && nowMS() < t.readCacheExpire {
		st := t.status
		t.apiMu.Unlock()
		return st
	}

	st := t.readStart()
	if st != status.Pending {
		t.apiMu.Unlock()
		return st
	}
	// READ_STARTED is latched here and delivered by the tickler, keeping
	// a single dispatcher so events for one tag stay totally ordered.
	t.raiseEvent(EventReadStarted, status.OK)
	t.apiMu.Unlock()

	ticklerWake()

	if timeout <= 0 {
		return status.Pending
	}

	st = t.waitDone(timeout)
	if st == status.ErrTimeout {
		Abort(id)
	}
	return st
}

// Write starts a write of the tag's buffer. The WRITE_STARTED event is
// delivered before the first request is submitted so the callback can
// populate the buffer in place. Timeout semantics match Read.
func Write(id int32, timeout time.Duration) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}

	t.apiMu.Lock()
	if t.readInFlight || t.writeInFlight {
		t.apiMu.Unlock()
		return status.ErrBusy
	}
	t.raiseEvent(EventWriteStarted, status.OK)
	events := t.takeEvents()
	t.apiMu.Unlock()

	t.dispatchEvents(events)

	t.apiMu.Lock()
	st := t.writeStart()
	if st != status.Pending {
		t.apiMu.Unlock()
		return st
	}
	t.apiMu.Unlock()

	ticklerWake()

	if timeout <= 0 {
		return status.Pending
	}

	st = t.waitDone(timeout)
	if st == status.ErrTimeout {
		Abort(id)
	}
	return st
}

// Abort cancels in-flight work on the tag. Idempotent and non-blocking;
// no READ_COMPLETED or WRITE_COMPLETED fires for the aborted operation.
func Abort(id int32) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}

	t.apiMu.Lock()
	t.abortOperation()
	events := t.takeEvents()
	t.apiMu.Unlock()

	t.dispatchEvents(events)
	ticklerWake()
	return status.OK
}

// GetStatus returns Pending while an operation is in flight, otherwise
// the tag's last result.
func GetStatus(id int32) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}

	t.apiMu.Lock()
	defer t.apiMu.Unlock()
	return t.getStatus()
}

// Lock takes the tag's external mutex for caller-side multi-step
// atomicity. The library itself never holds it.
func Lock(id int32) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}
	t.userMu.Lock()
	return status.OK
}

// Unlock releases the tag's external mutex.
func Unlock(id int32) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}
	t.userMu.Unlock()
	return status.OK
}

// RegisterCallback installs the tag's event callback. A tag holds at
// most one; a second registration fails with ErrDuplicate and does not
// replace the first.
func RegisterCallback(id int32, cb EventCallback) status.Status {
	return RegisterCallbackEx(id, cb, nil)
}

// RegisterCallbackEx is RegisterCallback with an opaque userdata value
// replayed on every event.
func RegisterCallbackEx(id int32, cb EventCallback, userdata any) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}
	if cb == nil {
		return status.ErrNullPtr
	}

	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.callback != nil {
		return status.ErrDuplicate
	}
	t.callback = cb
	t.userdata = userdata
	return status.OK
}

// UnregisterCallback removes the tag's event callback.
func UnregisterCallback(id int32) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}

	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.callback == nil {
		return status.ErrNotFound
	}
	t.callback = nil
	t.userdata = nil
	return status.OK
}

// RegisterLogger installs the process-wide log callback. At most one may
// be registered; a second fails with ErrDuplicate.
func RegisterLogger(fn logging.LoggerFunc) status.Status {
	if fn == nil {
		return status.ErrNullPtr
	}
	if err := logging.GetGlobalDebugLogger().RegisterCallback(fn); err != nil {
		return status.ErrDuplicate
	}
	return status.OK
}

// UnregisterLogger removes the process-wide log callback.
func UnregisterLogger() status.Status {
	logging.GetGlobalDebugLogger().UnregisterCallback()
	return status.OK
}

// SetDebugLevel adjusts log verbosity (0..5).
func SetDebugLevel(level int) {
	logging.SetLevel(level)
}

// waitDone blocks until the tag leaves Pending or the timeout expires,
// waking on the tag's completion signal.
func (t *Tag) waitDone(timeout time.Duration) status.Status {
	deadline := time.Now().Add(timeout)

	for {
		t.apiMu.Lock()
		st := t.getStatus()
		t.apiMu.Unlock()

		if st != status.Pending {
			return st
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return status.ErrTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case <-t.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

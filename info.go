package taglink

import (
	"encoding/binary"

	"taglink/cip"
	"taglink/session"
)

// TagInfo is a diagnostic snapshot of one tag for monitoring surfaces.
type TagInfo struct {
	ID        int32  `json:"id"`
	Name      string `json:"name"`
	Family    string `json:"family"`
	Gateway   string `json:"gateway"`
	Status    string `json:"status"`
	Size      int    `json:"size"`
	ElemSize  int    `json:"elem_size"`
	ElemCount int    `json:"elem_count"`
	TypeName  string `json:"type_name,omitempty"`
}

// Tags returns a snapshot of every live tag.
func Tags() []TagInfo {
	ids := registry.snapshot()
	out := make([]TagInfo, 0, len(ids))

	for _, id := range ids {
		t := registry.lookup(id)
		if t == nil {
			continue
		}

		t.apiMu.Lock()
		info := TagInfo{
			ID:        t.id,
			Name:      t.name,
			Family:    t.family.String(),
			Gateway:   t.sess.Gateway(),
			Status:    t.getStatus().Name(),
			Size:      len(t.data),
			ElemSize:  t.elemSize,
			ElemCount: t.elemCount,
		}
		if len(t.typeInfo) >= 2 && t.typeInfo[0] != 0xA0 {
			info.TypeName = cip.TypeName(binary.LittleEndian.Uint16(t.typeInfo))
		}
		t.apiMu.Unlock()

		out = append(out, info)
	}

	return out
}

// Sessions returns a snapshot of every live session.
func Sessions() []session.Info {
	return session.Snapshots()
}

// TagCount returns the number of live tags.
func TagCount() int {
	return registry.size()
}

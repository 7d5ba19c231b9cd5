package cache

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/emberquant/fxbacktest/internal/model"
)

// FrameTTL bounds how long a memoized core frame may be reused within a
// single sweep process; it is not a durability guarantee.
const FrameTTL = 10 * time.Minute

// GetFrame looks up a previously ingested core frame by dataset fingerprint.
func GetFrame(c Cache, key string) (*model.CoreFrame, bool) {
	raw, ok := c.Get(key)
	if !ok {
		return nil, false
	}
	var frame model.CoreFrame
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&frame); err != nil {
		return nil, false
	}
	return &frame, true
}

// PutFrame stores a fully-ingested core frame under its dataset fingerprint.
func PutFrame(c Cache, key string, frame *model.CoreFrame) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frame); err != nil {
		return
	}
	c.Set(key, buf.Bytes(), FrameTTL)
}

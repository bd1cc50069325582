package capture

import (
	"fmt"
	"time"
)

// FileName builds the output name for a frame accepted at t, e.g.
// "14h_5m_9s_7ms.jpg". Fields are 24-hour and not zero padded. Two frames
// accepted within the same millisecond get the same name and the later
// write replaces the earlier file.
func FileName(t time.Time) string {
	return fmt.Sprintf("%dh_%dm_%ds_%dms.jpg",
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/int(time.Millisecond))
}

package crawlerworker

import (
	"encoding/json"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// ringBuffer is a bounded, oldest-dropping line buffer for per-job
// diagnostic output, grounded on the teacher's LogService.AppendLogs
// batching (SPEC_FULL.md supplemental feature: JOB_FAILURE_LOGS buffering).
type ringBuffer struct {
	capacity int
	lines    []string
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &ringBuffer{capacity: capacity}
}

// Append adds a line, dropping the oldest entry once capacity is reached.
func (r *ringBuffer) Append(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.capacity {
		r.lines = r.lines[len(r.lines)-r.capacity:]
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (r *ringBuffer) Lines() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// decodeTaskDescriptor re-decodes an envelope's payload as a TaskDescriptor.
// Payload arrives as map[string]interface{} after JSON unmarshaling into
// Envelope.Payload (interface{}), so a marshal/unmarshal round trip is the
// simplest way to recover the concrete type without reflection gymnastics.
func decodeTaskDescriptor(payload interface{}) (*models.TaskDescriptor, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindMessageParsing, crawlerr.SeverityMedium, "failed to re-marshal START_JOB payload", err)
	}
	var descriptor models.TaskDescriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindMessageValidation, crawlerr.SeverityMedium, "failed to decode START_JOB payload", err)
	}
	return &descriptor, nil
}

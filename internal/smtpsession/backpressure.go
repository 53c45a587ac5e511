package smtpsession

import "sync/atomic"

const (
	DefaultHighWatermark = 512 * 1024
	DefaultLowWatermark  = 128 * 1024
)

// BackpressureController tracks queued frame bytes and inflight BDAT bytes
// for one session and requests autoRead toggles on the transport when the
// configured watermarks are crossed. Counters are atomic so the
// transport-reading goroutine and the BDAT handler fiber can both touch them
// without an extra lock.
type BackpressureController struct {
	queuedBytes   int64
	inflightBytes int64
	upgrading     int32

	HighWatermark int64
	LowWatermark  int64
	InflightCap   int64

	// SetAutoRead, when non-nil, is invoked by Enqueued with false when
	// queuedBytes reaches HighWatermark, and by Dequeued with true when it
	// falls to or below LowWatermark. Session leaves it nil and does not call
	// Enqueued or Dequeued, so a Session never pauses its reads.
	SetAutoRead func(on bool)
}

func NewBackpressureController(inflightCap int64) *BackpressureController {
	return &BackpressureController{
		HighWatermark: DefaultHighWatermark,
		LowWatermark:  DefaultLowWatermark,
		InflightCap:   inflightCap,
	}
}

// BeginTLSUpgrade suspends autoRead toggling for the duration of a TLS
// handshake; handshake bytes must flow regardless of queue depth.
func (b *BackpressureController) BeginTLSUpgrade() { atomic.StoreInt32(&b.upgrading, 1) }

// EndTLSUpgrade resumes normal watermark-driven toggling.
func (b *BackpressureController) EndTLSUpgrade() { atomic.StoreInt32(&b.upgrading, 0) }

func (b *BackpressureController) isUpgrading() bool {
	return atomic.LoadInt32(&b.upgrading) == 1
}

// Enqueued records size bytes of newly queued frame data.
func (b *BackpressureController) Enqueued(size int) {
	v := atomic.AddInt64(&b.queuedBytes, int64(size))
	if b.isUpgrading() || b.SetAutoRead == nil {
		return
	}
	if v >= b.HighWatermark {
		b.SetAutoRead(false)
	}
}

// Dequeued records size bytes as consumed by the session fiber.
func (b *BackpressureController) Dequeued(size int) {
	v := atomic.AddInt64(&b.queuedBytes, -int64(size))
	if v < 0 {
		atomic.StoreInt64(&b.queuedBytes, 0)
		v = 0
	}
	if b.isUpgrading() || b.SetAutoRead == nil {
		return
	}
	if v <= b.LowWatermark {
		b.SetAutoRead(true)
	}
}

// ReserveChunk attempts to reserve size bytes against the BDAT inflight cap.
// false means the caller must close the connection with 421 and an overflow
// message.
func (b *BackpressureController) ReserveChunk(size int64) bool {
	for {
		cur := atomic.LoadInt64(&b.inflightBytes)
		if cur+size > b.InflightCap {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.inflightBytes, cur, cur+size) {
			return true
		}
	}
}

// ReleaseChunk returns size bytes to the inflight budget once a BDAT chunk
// has been fully handed to the transaction handler.
func (b *BackpressureController) ReleaseChunk(size int64) {
	atomic.AddInt64(&b.inflightBytes, -size)
}

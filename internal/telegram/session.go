package telegram

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

// Session is the authenticated per-account connection abstraction. It
// serializes all API calls onto its single underlying connection: the
// protocol is not safe for concurrent requests on one transport, so
// concurrent callers queue in submission order instead of racing it.
//
// Session implements tg.Invoker; API() returns a typed client whose every
// call goes through the gate.
type Session struct {
	phone    string
	conn     Conn
	log      *zap.Logger
	limiter  *semaphore.Weighted
	identity domain.Identity

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanoseconds

	// onRevoked is called once, from its own goroutine, when the remote
	// service reports the credential as no longer valid.
	onRevoked  func(phone string)
	revokeOnce sync.Once

	mu     sync.Mutex
	queue  []*invokeJob
	closed bool

	wake      chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	peers sync.Map // chat id -> tg.InputPeerClass
}

type invokeJob struct {
	ctx    context.Context
	input  bin.Encoder
	result responseBuffer
	done   chan error
}

// responseBuffer captures the raw reply bytes on the worker side. The
// caller decodes them only after a successful wait, so a worker finishing
// a request whose caller already gave up never touches the caller's output
// value.
type responseBuffer struct {
	buf bin.Buffer
}

func (r *responseBuffer) Decode(b *bin.Buffer) error {
	r.buf.Buf = append(r.buf.Buf[:0], b.Buf...)
	return nil
}

func (r *responseBuffer) decodeInto(output bin.Decoder) error {
	return output.Decode(&r.buf)
}

func newSession(phone string, conn Conn, identity domain.Identity, createdAt time.Time,
	limiter *semaphore.Weighted, log *zap.Logger, onRevoked func(phone string)) *Session {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s := &Session{
		phone:     phone,
		conn:      conn,
		log:       log,
		limiter:   limiter,
		identity:  identity,
		createdAt: createdAt,
		onRevoked: onRevoked,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	s.touch()
	go s.worker()
	return s
}

// Phone returns the account identifier the session belongs to.
func (s *Session) Phone() string { return s.phone }

// Identity returns the user identity captured at login.
func (s *Session) Identity() domain.Identity { return s.identity }

// Account renders the session as its registry-visible account record.
func (s *Session) Account() domain.Account {
	return domain.Account{
		Phone:        s.phone,
		UserID:       s.identity.UserID,
		Username:     s.identity.Username,
		State:        domain.StateActive,
		CreatedAt:    s.createdAt,
		LastActivity: time.Unix(0, s.lastActivity.Load()).UTC(),
	}
}

// API returns a typed client routed through the session's request gate.
func (s *Session) API() *tg.Client { return tg.NewClient(s) }

// Invoke queues the request behind everything submitted before it and
// blocks until the reply arrives or ctx expires. A caller that gives up
// waiting does not disturb the ordering of later requests: a job whose
// caller is gone is skipped if it has not started, and runs to completion
// otherwise. Output is written only on a nil return; an abandoned call
// leaves it untouched.
func (s *Session) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	if err := ctx.Err(); err != nil {
		return translate(err)
	}

	job := &invokeJob{ctx: ctx, input: input, done: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.NotFoundf("session for %s is closed", s.phone)
	}
	s.queue = append(s.queue, job)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-job.done:
		if err != nil {
			return err
		}
		if err := job.result.decodeInto(output); err != nil {
			return domain.Errorf(domain.KindInternal, "decoding the reply failed")
		}
		return nil
	case <-ctx.Done():
		return translate(ctx.Err())
	}
}

// Close shuts the gate and the underlying connection down. Queued jobs
// fail with a closed-session error; an in-flight job is interrupted by the
// connection teardown.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stop)
		err = s.conn.Close()
		<-s.stopped
	})
	return err
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UTC().UnixNano())
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) worker() {
	defer close(s.stopped)
	for {
		job := s.next()
		if job == nil {
			return
		}
		job.done <- s.run(job)
	}
}

// next pops the oldest queued job, blocking until one arrives or the
// session stops. On stop, everything still queued is failed out.
func (s *Session) next() *invokeJob {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			job := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return job
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.stop:
			s.flush()
			return nil
		}
	}
}

func (s *Session) flush() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, job := range pending {
		job.done <- domain.NotFoundf("session for %s is closed", s.phone)
	}
}

func (s *Session) run(job *invokeJob) error {
	// The caller may have given up while the job sat in the queue.
	if err := job.ctx.Err(); err != nil {
		return translate(err)
	}

	// Process-wide cap on in-flight remote requests: queue, never reject.
	if err := s.limiter.Acquire(job.ctx, 1); err != nil {
		return translate(err)
	}
	defer s.limiter.Release(1)

	s.touch()
	err := translate(s.conn.Invoke(job.ctx, job.input, &job.result))

	if retryable(err) && job.ctx.Err() == nil && !s.isClosed() {
		// One retry only. The transport reconnects underneath with its
		// own backoff; give it a moment before re-issuing.
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 250 * time.Millisecond
		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-timer.C:
			err = translate(s.conn.Invoke(job.ctx, job.input, &job.result))
		case <-job.ctx.Done():
			timer.Stop()
			return translate(job.ctx.Err())
		case <-s.stop:
			timer.Stop()
			return domain.NotFoundf("session for %s is closed", s.phone)
		}
	}

	if domain.IsKind(err, domain.KindAuthRevoked) && s.onRevoked != nil {
		s.revokeOnce.Do(func() {
			s.log.Warn("session credential revoked, evicting account")
			go s.onRevoked(s.phone)
		})
	}
	return err
}

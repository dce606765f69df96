package gateway

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/cuihairu/chirp/internal/redis"
)

func sessionKey(userID string) string { return "chirp:sess:" + userID }

func kickChannel(instanceID string) string { return "chirp:kick:" + instanceID }

// ClaimFunc receives the previous lease owner, if the lease existed.
type ClaimFunc func(prevOwner string, hadPrev bool)

// KickFunc is invoked when another instance claims a user this instance
// still serves.
type KickFunc func(userID string)

type ownershipJob struct {
	claim   bool
	userID  string
	claimCB ClaimFunc
}

// SessionManager is the Redis-backed half of session ownership. A single
// serial worker consumes a FIFO of claim/release jobs against the lease key
// chirp:sess:{user}; a subscriber on chirp:kick:{instance} delivers kicks
// for leases this instance has lost.
//
// Claim publishes the kick to the previous owner before overwriting the
// lease, so by the time the claim callback (and with it the login response)
// runs, the previous owner has been told to close. Release never deletes a
// lease it does not own, which keeps slow releases from clobbering a fast
// reconnect through another instance.
//
// Redis failures are logged and swallowed: a failed claim completes its
// callback with no previous owner so the login still succeeds, degrading to
// best-effort cross-instance isolation.
type SessionManager struct {
	instanceID string
	ttlSeconds int
	client     *redis.Client
	sub        *redis.Subscriber
	logger     zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    *queue.Queue
	stopped bool
	done    sync.WaitGroup
}

// NewSessionManager starts the worker and the kick subscription.
func NewSessionManager(host string, port int, instanceID string, ttlSeconds int, onKick KickFunc, logger zerolog.Logger) (*SessionManager, error) {
	m := &SessionManager{
		instanceID: instanceID,
		ttlSeconds: ttlSeconds,
		client:     redis.NewClient(host, port),
		sub:        redis.NewSubscriber(host, port),
		logger:     logger.With().Str("component", "session_manager").Str("instance", instanceID).Logger(),
	}
	m.cond = sync.NewCond(&m.mu)
	m.jobs = queue.New()

	if err := m.sub.Start(kickChannel(instanceID), func(_, payload string) {
		if onKick != nil {
			onKick(payload)
		}
	}); err != nil {
		return nil, err
	}

	m.done.Add(1)
	go m.run()
	return m, nil
}

// AsyncClaim queues a lease claim for userID. The callback runs on the
// worker goroutine after the lease write completes (or fails).
func (m *SessionManager) AsyncClaim(userID string, cb ClaimFunc) {
	m.submit(ownershipJob{claim: true, userID: userID, claimCB: cb})
}

// AsyncRelease queues a lease release for userID.
func (m *SessionManager) AsyncRelease(userID string) {
	m.submit(ownershipJob{userID: userID})
}

func (m *SessionManager) submit(job ownershipJob) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		if job.claimCB != nil {
			job.claimCB("", false)
		}
		return
	}
	m.jobs.Add(job)
	m.mu.Unlock()
	m.cond.Signal()
}

// Stop drains queued jobs, stops the subscriber, and joins the worker.
func (m *SessionManager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cond.Broadcast()
	m.sub.Stop()
	m.done.Wait()
	m.client.Close()
}

func (m *SessionManager) run() {
	defer m.done.Done()
	for {
		m.mu.Lock()
		for m.jobs.Length() == 0 && !m.stopped {
			m.cond.Wait()
		}
		if m.jobs.Length() == 0 && m.stopped {
			m.mu.Unlock()
			return
		}
		job := m.jobs.Remove().(ownershipJob)
		m.mu.Unlock()

		if job.claim {
			m.claim(job)
		} else {
			m.release(job.userID)
		}
	}
}

func (m *SessionManager) claim(job ownershipJob) {
	prev, hadPrev, err := m.client.Get(sessionKey(job.userID))
	if err != nil {
		m.logger.Warn().Err(err).Str("user", job.userID).Msg("lease claim failed")
		if job.claimCB != nil {
			job.claimCB("", false)
		}
		return
	}

	if hadPrev && prev != m.instanceID {
		if _, err := m.client.Publish(kickChannel(prev), job.userID); err != nil {
			m.logger.Warn().Err(err).Str("user", job.userID).Str("prev", prev).Msg("kick publish failed")
		}
	}

	if _, err := m.client.SetEx(sessionKey(job.userID), m.instanceID, m.ttlSeconds); err != nil {
		m.logger.Warn().Err(err).Str("user", job.userID).Msg("lease write failed")
		if job.claimCB != nil {
			job.claimCB("", false)
		}
		return
	}

	if job.claimCB != nil {
		job.claimCB(prev, hadPrev)
	}
}

func (m *SessionManager) release(userID string) {
	cur, ok, err := m.client.Get(sessionKey(userID))
	if err != nil {
		m.logger.Warn().Err(err).Str("user", userID).Msg("lease release failed")
		return
	}
	// Only delete a lease this instance still owns.
	if ok && cur == m.instanceID {
		if _, err := m.client.Del(sessionKey(userID)); err != nil {
			m.logger.Warn().Err(err).Str("user", userID).Msg("lease delete failed")
		}
	}
}

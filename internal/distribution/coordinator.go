// Package distribution tracks which channel members hold our sender key and
// consumes the distribution records other members send us. Key distribution
// and message delivery are independent channels that can race: a group
// message may arrive before the key that decrypts it, so the decrypt path
// retries pending-key fetches over a short bounded window.
package distribution

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/veldtchat/e2ee-go/internal/keystore"
	"github.com/veldtchat/e2ee-go/internal/ratchet"
	"github.com/veldtchat/e2ee-go/internal/relay"
	"github.com/veldtchat/e2ee-go/internal/senderkey"
	"github.com/veldtchat/e2ee-go/internal/wire"
)

// retryDelays is the fixed fetch-and-retry schedule for a missing sender
// key: one immediate attempt, then two more after short waits. Bounded by
// design; a key that never arrives surfaces a decryption failure rather
// than a hang.
var retryDelays = []time.Duration{0, time.Second, 2 * time.Second}

// Coordinator owns distribution state for one scope. All maps live on the
// instance, never package-wide, so home and federated scopes in one process
// cannot leak state into each other.
type Coordinator struct {
	store     *keystore.Store
	sessions  *ratchet.Manager
	keys      *senderkey.Manager
	relay     *relay.Client
	ownUserID string
	logger    *log.Logger

	mu       sync.Mutex
	inflight map[string]*fetchOp

	// sleep is swapped out in tests to avoid wall-clock delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// fetchOp is a shared in-flight pending-keys fetch. Concurrent callers for
// the same scope key wait on done and share the result.
type fetchOp struct {
	done chan struct{}
	err  error
}

// NewCoordinator creates a distribution coordinator for one scope.
func NewCoordinator(store *keystore.Store, sessions *ratchet.Manager, keys *senderkey.Manager,
	rc *relay.Client, ownUserID string, logger *log.Logger,
) *Coordinator {
	return &Coordinator{
		store:     store,
		sessions:  sessions,
		keys:      keys,
		relay:     rc,
		ownUserID: ownUserID,
		logger:    logger,
		inflight:  make(map[string]*fetchOp),
		sleep:     sleepContext,
	}
}

// EnsureDistributed pushes our current sender key to every listed member who
// does not already hold it. Failures are isolated per member: a member that
// cannot be reached is skipped, stays out of the distributed set, and is
// retried on the next call. Distribution is eventually consistent, not
// atomic across members.
func (c *Coordinator) EnsureDistributed(ctx context.Context, channelID string, memberUserIDs []string) error {
	key, err := c.store.LoadSenderKey(channelID, c.ownUserID)
	if err != nil {
		return err
	}
	if key == nil {
		// Nothing to distribute until the first send generates a key.
		return nil
	}

	distributed, err := c.store.DistributedMembers(channelID)
	if err != nil {
		return err
	}

	var dists []wire.SenderKeyDistribution
	for _, member := range memberUserIDs {
		if member == c.ownUserID || distributed[member] {
			continue
		}

		if err := c.sessions.EnsureSession(ctx, member); err != nil {
			logf(c.logger, "session with %s for %s: %v", member, channelID, err)
			continue
		}
		env, err := c.sessions.Encrypt(member, key)
		if err != nil {
			logf(c.logger, "wrap sender key for %s in %s: %v", member, channelID, err)
			continue
		}
		dists = append(dists, wire.SenderKeyDistribution{ToUserID: member, Envelope: *env})
	}

	if len(dists) == 0 {
		return nil
	}

	if len(dists) == 1 {
		err = c.relay.DistributeSenderKey(ctx, channelID, dists[0].ToUserID, dists[0].Envelope)
	} else {
		err = c.relay.DistributeSenderKeysBatch(ctx, channelID, dists)
	}
	if err != nil {
		// Next call re-prepares and re-pushes; no member is marked.
		logf(c.logger, "push sender key for %s: %v", channelID, err)
		return err
	}

	for _, d := range dists {
		if err := c.store.AddDistributedMember(channelID, d.ToUserID); err != nil {
			return err
		}
	}
	logf(c.logger, "distributed sender key for %s to %d member(s)", channelID, len(dists))
	return nil
}

// FetchPending retrieves and processes distribution records addressed to us,
// optionally scoped to one channel (channelID == "" means all). Concurrent
// calls for the same scope share a single in-flight fetch instead of issuing
// duplicate round-trips.
func (c *Coordinator) FetchPending(ctx context.Context, channelID string) error {
	key := channelID
	if key == "" {
		key = "*"
	}

	c.mu.Lock()
	if op, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	op := &fetchOp{done: make(chan struct{})}
	c.inflight[key] = op
	c.mu.Unlock()

	op.err = c.fetchPending(ctx, channelID)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(op.done)
	return op.err
}

func (c *Coordinator) fetchPending(ctx context.Context, channelID string) error {
	records, err := c.relay.GetPendingSenderKeys(ctx, channelID)
	if err != nil {
		return err
	}

	var acked []string
	for _, rec := range records {
		// The relay may deliver the same record more than once. If we
		// already hold this sender's key, skip the ratchet work and just
		// acknowledge.
		has, err := c.keys.HasKey(rec.ChannelID, rec.FromUserID)
		if err != nil {
			return err
		}
		if has {
			acked = append(acked, rec.ID)
			continue
		}

		raw, err := c.sessions.Decrypt(rec.FromUserID, &rec.Envelope)
		if err != nil {
			// Leave un-acknowledged so a later fetch retries it.
			logf(c.logger, "decrypt distribution %s from %s: %v", rec.ID, rec.FromUserID, err)
			continue
		}
		if err := c.keys.ImportKey(rec.ChannelID, rec.FromUserID, raw); err != nil {
			logf(c.logger, "store sender key from %s: %v", rec.FromUserID, err)
			continue
		}
		acked = append(acked, rec.ID)
		logf(c.logger, "received sender key from %s for %s", rec.FromUserID, rec.ChannelID)
	}

	return c.relay.AcknowledgeSenderKeys(ctx, acked)
}

// DecryptWithRetry decrypts a group message, fetching pending key
// distributions over the bounded retry schedule when the sender's key is
// missing. After the final attempt it decrypts regardless, surfacing a
// decryption failure if the key truly never arrived.
func (c *Coordinator) DecryptWithRetry(ctx context.Context, channelID, fromUserID, ciphertext string) ([]byte, error) {
	for attempt, delay := range retryDelays {
		if delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		has, err := c.keys.HasKey(channelID, fromUserID)
		if err != nil {
			return nil, err
		}
		if has {
			break
		}

		if err := c.FetchPending(ctx, channelID); err != nil {
			logf(c.logger, "fetch pending for %s (attempt %d): %v", channelID, attempt+1, err)
		}
	}

	return c.keys.Decrypt(channelID, fromUserID, ciphertext)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf("distribution: "+format, args...)
	}
}

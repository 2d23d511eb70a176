package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/nodetype"
	"github.com/cuemby/burrow/pkg/state"
	"github.com/cuemby/burrow/pkg/types"
)

// LockObserver is told about replicated lock transitions.
type LockObserver func(id types.NodeID, acquired bool, owner string)

// NamespaceObserver is told about replicated namespace registrations.
type NamespaceObserver func(prefix, uri string)

// NodeTypeObserver is told about replicated node-type registry operations.
type NodeTypeObserver func(op NodeTypeOp, def *nodetype.Definition)

// ClusterNode ties one repository process to the shared journal: it stamps
// outgoing records with the node's creator id and replays records from
// other creators into the local shared item-state manager, in strictly
// ascending revision order.
type ClusterNode struct {
	id      string
	journal *Journal
	sism    *state.SharedItemStateManager

	cursorPath string

	onLock      LockObserver
	onNamespace NamespaceObserver
	onNodeType  NodeTypeObserver

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewClusterNode builds a cluster member with creator id. The local replay
// cursor persists in the journal directory, one file per cluster id.
func NewClusterNode(id string, j *Journal, sism *state.SharedItemStateManager) *ClusterNode {
	return &ClusterNode{
		id:         id,
		journal:    j,
		sism:       sism,
		cursorPath: filepath.Join(j.dir, "revision."+id),
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("cluster").With().Str("cluster_id", id).Logger(),
	}
}

// OnLock installs the lock-transition observer.
func (c *ClusterNode) OnLock(fn LockObserver) {
	c.onLock = fn
}

// OnNamespace installs the namespace-registration observer.
func (c *ClusterNode) OnNamespace(fn NamespaceObserver) {
	c.onNamespace = fn
}

// OnNodeType installs the node-type registry observer.
func (c *ClusterNode) OnNodeType(fn NodeTypeObserver) {
	c.onNodeType = fn
}

// Revision returns the local replay cursor.
func (c *ClusterNode) Revision() uint64 {
	data, err := os.ReadFile(c.cursorPath)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (c *ClusterNode) setRevision(rev uint64) error {
	if err := os.WriteFile(c.cursorPath, []byte(strconv.FormatUint(rev, 10)), 0600); err != nil {
		return fmt.Errorf("failed to persist replay cursor: %w", err)
	}
	metrics.JournalRevision.Set(float64(rev))
	return nil
}

// AppendChanges publishes a committed change log and advances the local
// cursor past the new record, so the node does not replay its own write.
func (c *ClusterNode) AppendChanges(changes *state.ChangeLog) error {
	payload, err := EncodeChanges(changes)
	if err != nil {
		return err
	}
	rev, err := c.journal.Append(c.id, payload)
	if err != nil {
		return err
	}
	return c.setRevision(rev)
}

// AppendLock publishes a lock transition.
func (c *ClusterNode) AppendLock(id types.NodeID, acquired bool, owner string) error {
	rev, err := c.journal.Append(c.id, EncodeLock(id, acquired, owner))
	if err != nil {
		return err
	}
	return c.setRevision(rev)
}

// AppendNamespace publishes a namespace registration.
func (c *ClusterNode) AppendNamespace(prefix, uri string) error {
	rev, err := c.journal.Append(c.id, EncodeNamespace(prefix, uri))
	if err != nil {
		return err
	}
	return c.setRevision(rev)
}

// Sync replays every record newer than the local cursor. Transient read
// failures back off and retry before surfacing.
func (c *ClusterNode) Sync(ctx context.Context) error {
	var records []Record
	op := func() error {
		var err error
		records, err = c.journal.Records(c.Revision())
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	for _, rec := range records {
		if rec.Creator != c.id {
			if err := c.apply(ctx, rec); err != nil {
				return err
			}
		}
		if err := c.setRevision(rec.Revision); err != nil {
			return err
		}
	}
	return nil
}

func (c *ClusterNode) apply(ctx context.Context, rec Record) error {
	metrics.JournalRecordsTotal.WithLabelValues("replayed").Inc()
	switch rec.Kind() {
	case KindChanges:
		changes, err := DecodeChanges(rec.Payload)
		if err != nil {
			return err
		}
		if err := c.sism.ExternalUpdate(ctx, changes); err != nil {
			return err
		}
	case KindLock:
		id, acquired, owner, err := DecodeLock(rec.Payload)
		if err != nil {
			return err
		}
		if c.onLock != nil {
			c.onLock(id, acquired, owner)
		}
	case KindNamespace:
		prefix, uri, err := DecodeNamespace(rec.Payload)
		if err != nil {
			return err
		}
		if c.onNamespace != nil {
			c.onNamespace(prefix, uri)
		}
	case KindNodeType:
		op, def, err := DecodeNodeType(rec.Payload)
		if err != nil {
			return err
		}
		if c.onNodeType != nil {
			c.onNodeType(op, def)
		}
	default:
		c.logger.Warn().
			Uint64("revision", rec.Revision).
			Str("creator", rec.Creator).
			Msg("skipping journal record of unknown kind")
	}
	c.logger.Debug().Uint64("revision", rec.Revision).Str("creator", rec.Creator).Msg("replayed journal record")
	return nil
}

// Start launches the poll loop replaying peer updates every interval.
func (c *ClusterNode) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Sync(ctx); err != nil {
					c.logger.Error().Err(err).Msg("journal sync failed")
				}
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the poll loop.
func (c *ClusterNode) Stop() {
	close(c.stopCh)
}

// Package coordinator keeps a fleet of worker nodes converged on one
// signature epoch. Every node heartbeats into a shared registry; when the
// operator bumps the target epoch, exactly one node at a time takes the
// update lock, reloads its engine, and adopts the new epoch. A single-node
// cluster asks the autoscaler for surge capacity instead of reloading in
// place.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

const (
	keyPrefix = "clamav:"

	heartbeatTTL = 60 * time.Second
	lockTTL      = 600 * time.Second
	// readyBudget bounds the post-reload readiness poll.
	readyBudget = 60 * time.Second
)

// Engine is the reload capability the coordinator drives; *engine.Client
// satisfies it.
type Engine interface {
	Reload(ctx context.Context) error
	AwaitReady(ctx context.Context, budget time.Duration) error
}

// Coordinator runs the per-node convergence protocol.
type Coordinator struct {
	store  store.Store
	engine Engine

	nodeName       string
	deploymentName string

	currentEpoch int64

	now func() time.Time
}

// New builds a coordinator for this node. deploymentName may be empty, in
// which case the surge path is disabled and a lone node reloads in place.
func New(st store.Store, eng Engine, nodeName, deploymentName string) *Coordinator {
	return &Coordinator{
		store:          st,
		engine:         eng,
		nodeName:       nodeName,
		deploymentName: deploymentName,
		now:            time.Now,
	}
}

// CurrentEpoch reports this node's adopted epoch.
func (c *Coordinator) CurrentEpoch() int64 { return c.currentEpoch }

func heartbeatKey(node string) string { return keyPrefix + "heartbeat:" + node }

const (
	activeNodesKey    = keyPrefix + "active_nodes"
	targetEpochKey    = keyPrefix + "target_epoch"
	targetUpdatedKey  = keyPrefix + "target_epoch_updated_at"
	updateLockKey     = keyPrefix + "update_lock"
	scalingRequestKey = keyPrefix + "scaling_request"
)

// Tick runs one coordination round: heartbeat, then converge toward the
// target epoch if one is pending.
func (c *Coordinator) Tick(ctx context.Context) {
	if err := c.heartbeat(ctx); err != nil {
		slog.Error("heartbeat failed", "node", c.nodeName, "error", err)
		return
	}

	target, err := c.targetEpoch(ctx)
	if err != nil {
		slog.Error("target epoch read failed", "node", c.nodeName, "error", err)
		return
	}
	if target <= c.currentEpoch {
		return
	}

	acquired, err := c.store.SetNX(ctx, updateLockKey, []byte(c.nodeName), lockTTL)
	if err != nil {
		slog.Error("update lock attempt failed", "node", c.nodeName, "error", err)
		return
	}
	if !acquired {
		slog.Info("update pending, another node holds the lock", "node", c.nodeName, "target_epoch", target)
		return
	}
	defer func() {
		if err := c.store.Delete(ctx, updateLockKey); err != nil {
			slog.Error("update lock release failed", "node", c.nodeName, "error", err)
		}
	}()

	live, err := c.liveNodes(ctx)
	if err != nil {
		slog.Error("live node census failed", "node", c.nodeName, "error", err)
		return
	}

	if len(live) == 1 && c.deploymentName != "" {
		// Reloading the only node would drop scanning capacity. Ask for a
		// transient peer and let it win the lock on a later tick.
		if err := c.requestSurge(ctx); err != nil {
			slog.Error("surge request failed", "node", c.nodeName, "error", err)
		} else {
			slog.Info("single node cluster, requested surge capacity",
				"node", c.nodeName, "deployment", c.deploymentName, "target_epoch", target)
		}
		return
	}

	slog.Info("starting signature reload", "node", c.nodeName, "from_epoch", c.currentEpoch, "to_epoch", target)
	if err := c.engine.Reload(ctx); err != nil {
		slog.Error("engine reload failed", "node", c.nodeName, "error", err)
		return
	}
	if err := c.engine.AwaitReady(ctx, readyBudget); err != nil {
		slog.Error("engine not ready after reload", "node", c.nodeName, "error", err)
		return
	}

	c.currentEpoch = target
	// Publish the new epoch right away so peers see convergence without
	// waiting a full tick.
	if err := c.heartbeat(ctx); err != nil {
		slog.Warn("post-reload heartbeat failed", "node", c.nodeName, "error", err)
	}
	slog.Info("signature reload complete", "node", c.nodeName, "epoch", target)

	c.maybeReleaseSurge(ctx, target)
}

// heartbeat publishes this node's liveness and adopted epoch.
func (c *Coordinator) heartbeat(ctx context.Context) error {
	val := fmt.Sprintf("%d|%d", c.now().Unix(), c.currentEpoch)
	if err := c.store.Set(ctx, heartbeatKey(c.nodeName), []byte(val), heartbeatTTL); err != nil {
		return err
	}
	return c.store.SAdd(ctx, activeNodesKey, c.nodeName)
}

func (c *Coordinator) targetEpoch(ctx context.Context) (int64, error) {
	val, err := c.store.Get(ctx, targetEpochKey)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed target epoch %q: %w", val, err)
	}
	return n, nil
}

// liveNodes returns the registered nodes whose heartbeat has not lapsed,
// pruning stale registrations along the way.
func (c *Coordinator) liveNodes(ctx context.Context) ([]string, error) {
	members, err := c.store.SMembers(ctx, activeNodesKey)
	if err != nil {
		return nil, err
	}

	var live []string
	for _, node := range members {
		exists, err := c.store.Exists(ctx, heartbeatKey(node))
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := c.store.SRem(ctx, activeNodesKey, node); err != nil {
				slog.Warn("failed to prune stale node", "node", node, "error", err)
			}
			continue
		}
		live = append(live, node)
	}
	return live, nil
}

func (c *Coordinator) requestSurge(ctx context.Context) error {
	// Clear first so repeated ticks do not stack requests.
	if err := c.store.Delete(ctx, scalingRequestKey); err != nil {
		return err
	}
	return c.store.Push(ctx, scalingRequestKey, []byte("surge"))
}

// maybeReleaseSurge deletes the pending surge request once every live node
// reports the target epoch, letting the autoscaler shed the extra pod.
func (c *Coordinator) maybeReleaseSurge(ctx context.Context, target int64) {
	live, err := c.liveNodes(ctx)
	if err != nil {
		slog.Warn("surge release census failed", "error", err)
		return
	}
	for _, node := range live {
		epoch, ok := c.nodeEpoch(ctx, node)
		if !ok || epoch < target {
			return
		}
	}
	if err := c.store.Delete(ctx, scalingRequestKey); err != nil {
		slog.Warn("surge release failed", "error", err)
		return
	}
	slog.Info("cluster converged, surge request cleared", "epoch", target)
}

func (c *Coordinator) nodeEpoch(ctx context.Context, node string) (int64, bool) {
	val, err := c.store.Get(ctx, heartbeatKey(node))
	if err != nil || val == nil {
		return 0, false
	}
	_, epochStr, found := strings.Cut(string(val), "|")
	if !found {
		return 0, false
	}
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return epoch, true
}

// BumpTargetEpoch writes the operator trigger for a coordinated reload.
// When target is zero the current target (or zero) is incremented. Returns
// the epoch written.
func BumpTargetEpoch(ctx context.Context, st store.Store, target int64) (int64, error) {
	if target == 0 {
		val, err := st.Get(ctx, targetEpochKey)
		if err != nil {
			return 0, err
		}
		if val != nil {
			cur, err := strconv.ParseInt(strings.TrimSpace(string(val)), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("malformed target epoch %q: %w", val, err)
			}
			target = cur + 1
		} else {
			target = 1
		}
	}
	if err := st.Set(ctx, targetEpochKey, []byte(strconv.FormatInt(target, 10)), 0); err != nil {
		return 0, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if err := st.Set(ctx, targetUpdatedKey, []byte(ts), 0); err != nil {
		return 0, err
	}
	return target, nil
}

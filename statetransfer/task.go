package statetransfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"iriscache/bus"
	"iriscache/cacheerr"
	"iriscache/distributor"
	"iriscache/engine"
	"iriscache/membership"
)

const lockRetries = 3

var errOwnerLost = errors.New("bucket owner left during transfer")

// Cluster is what a transfer task needs from the cluster service.
type Cluster interface {
	LocalAddress() membership.Address
	Gateway() *bus.Gateway
	Coordinator() membership.Address
	Servers() []membership.Address
	AllowJoin(allow bool)
}

// Task pulls every bucket the distribution map assigns to this node but
// another node still holds. It runs until no such bucket is left.
type Task struct {
	cluster    Cluster
	dist       *distributor.Manager
	cache      engine.InternalCache
	retryCount int
	idle       time.Duration
}

func NewTask(c Cluster, dist *distributor.Manager, cache engine.InternalCache, retryCount int) *Task {
	if retryCount <= 0 {
		retryCount = 3
	}
	return &Task{cluster: c, dist: dist, cache: cache, retryCount: retryCount, idle: time.Second}
}

func (t *Task) Run(ctx context.Context) error {
	local := t.cluster.LocalAddress()
	t.cluster.AllowJoin(false)
	defer t.cluster.AllowJoin(true)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		plan := t.dist.BucketsForTransfer(local)
		if len(plan) == 0 {
			log.Printf("[SUCCESS] statetransfer: %s holds every bucket assigned to it", local)
			return nil
		}

		changed := t.dist.Changed()
		progressed := false
		corresponding := mapset.NewThreadUnsafeSet[membership.Address]()

		owners := make([]membership.Address, 0, len(plan))
		for owner := range plan {
			owners = append(owners, owner)
		}
		slices.SortFunc(owners, membership.Address.Compare)

		for _, owner := range owners {
			if ctx.Err() != nil {
				break
			}
			locked, err := t.lockBuckets(ctx, plan[owner])
			if err != nil {
				log.Printf("[WARN] statetransfer: locking %d bucket(s) on %s: %v", len(plan[owner]), owner, err)
				continue
			}
			if len(locked) == 0 {
				continue
			}
			t.announce(ctx, locked)
			corresponding.Add(owner)

			for _, b := range locked {
				err := t.pullBucket(ctx, owner, b)
				switch {
				case err == nil:
					progressed = true
				case errors.Is(err, errOwnerLost):
					log.Printf("[WARN] statetransfer: %s left while sending bucket %d", owner, b)
				default:
					log.Printf("[ERROR] statetransfer: bucket %d from %s: %v", b, owner, err)
				}
				if err != nil {
					break
				}
			}
		}

		gw := t.cluster.Gateway()
		for owner := range corresponding.Iter() {
			if err := gw.SendNoReply(ctx, []membership.Address{owner}, &bus.SignalEndOfStateTxfrRequest{}); err != nil {
				log.Printf("[WARN] statetransfer: end of transfer to %s: %v", owner, err)
			}
		}

		if !progressed {
			// Wait for the coordinator to publish a map that changes the plan.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			case <-time.After(t.idle):
			}
		}
	}
}

// lockBuckets asks the coordinator to mark buckets as moving to this node.
// Buckets whose owner changed in the meantime are left out.
func (t *Task) lockBuckets(ctx context.Context, buckets []int) ([]int, error) {
	local := t.cluster.LocalAddress()
	var lastErr error
	for try := 0; try < lockRetries; try++ {
		resp, err := bus.Call[bus.LockBucketsResponse](ctx, t.cluster.Gateway(), t.cluster.Coordinator(),
			&bus.LockBucketsRequest{Buckets: buckets, Requester: local})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		var locked []int
		for _, b := range buckets {
			if resp.Status[b] == distributor.LockAcquired {
				locked = append(locked, b)
			}
		}
		return locked, nil
	}
	return nil, lastErr
}

func (t *Task) announce(ctx context.Context, buckets []int) {
	req := &bus.AnnounceStateTransferRequest{Buckets: buckets, Requester: t.cluster.LocalAddress()}
	if err := t.cluster.Gateway().SendNoReply(ctx, t.cluster.Servers(), req); err != nil {
		log.Printf("[WARN] statetransfer: announce: %v", err)
	}
}

// pullBucket copies one bucket from owner, then hands it off: the owner
// drops its copy and the coordinator makes this node the permanent owner.
func (t *Task) pullBucket(ctx context.Context, owner membership.Address, bucket int) error {
	gw := t.cluster.Gateway()
	local := t.cluster.LocalAddress()

	for txfrID, retries := 0, 0; ; {
		resp, err := bus.Call[bus.TransferBucketResponse](ctx, gw, owner,
			&bus.TransferBucketRequest{Bucket: bucket, TxfrID: txfrID})
		switch {
		case err == nil:
		case errors.Is(err, cacheerr.ErrTimeout) && retries < t.retryCount:
			retries++
			continue
		case errors.Is(err, cacheerr.ErrSuspected):
			return errOwnerLost
		default:
			return err
		}
		retries = 0
		if err := t.apply(&resp); err != nil {
			return err
		}
		if resp.Complete {
			break
		}
		txfrID++
	}

	if _, err := gw.Send(ctx, owner, &bus.AckStateTxfrRequest{Buckets: []int{bucket}}, 0); err != nil {
		if errors.Is(err, cacheerr.ErrSuspected) {
			return errOwnerLost
		}
		return fmt.Errorf("ack bucket %d: %w", bucket, err)
	}
	if _, err := gw.Send(ctx, t.cluster.Coordinator(), &bus.ReleaseBucketsRequest{Buckets: []int{bucket}, Requester: local}, 0); err != nil {
		return fmt.Errorf("release bucket %d: %w", bucket, err)
	}
	return nil
}

func (t *Task) apply(resp *bus.TransferBucketResponse) error {
	oc := engine.NewOperationContext().WithLockOverride()
	for i := 0; i < resp.Len(); i++ {
		key, e := resp.Entry(i)
		var err error
		if resp.DataType == bus.CacheItems {
			_, err = t.cache.Add(key, e, oc)
		} else {
			_, err = t.cache.Insert(key, e, oc)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", key, err)
		}
	}
	for _, key := range resp.Removed {
		if _, err := t.cache.Remove(key, oc); err != nil {
			return fmt.Errorf("apply removal of %s: %w", key, err)
		}
	}
	return nil
}

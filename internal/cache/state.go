// ABOUTME: Deduplication state deciding whether workload metadata or images need processing.
// ABOUTME: Two capacity and age bounded LRU caches keyed by workload and workload image.

package cache

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gcache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/sirupsen/logrus"
)

// Config bounds both dedup caches
type Config struct {
	WorkloadsMaxSize int
	WorkloadsMaxAge  time.Duration
	ImagesMaxSize    int
	ImagesMaxAge     time.Duration
}

// State remembers which workload revisions were reported and which images were scanned.
// Losing an entry only causes a redundant rescan.
type State struct {
	// mutex makes each check-and-set atomic
	mutex     sync.Mutex
	workloads *gcache.Cache[string, string]
	images    *gcache.Cache[string, string]
	config    Config
	logger    *logrus.Logger
}

// Stats reports the number of entries held by each cache
type Stats struct {
	Workloads int `json:"workloads"`
	Images    int `json:"images"`
}

const defaultMaxSize = 10000

func NewState(config Config, logger *logrus.Logger) *State {
	if config.WorkloadsMaxSize <= 0 {
		config.WorkloadsMaxSize = defaultMaxSize
	}
	if config.ImagesMaxSize <= 0 {
		config.ImagesMaxSize = defaultMaxSize
	}
	return &State{
		workloads: gcache.New(gcache.AsLRU[string, string](lru.WithCapacity(config.WorkloadsMaxSize))),
		images:    gcache.New(gcache.AsLRU[string, string](lru.WithCapacity(config.ImagesMaxSize))),
		config:    config,
		logger:    logger,
	}
}

// WorkloadKey identifies a workload in both caches
func WorkloadKey(namespace, workloadType, uid string) string {
	return fmt.Sprintf("%s/%s/%s", namespace, workloadType, uid)
}

// ImageKey identifies one image of a workload in the image cache
func ImageKey(workloadKey, imageID string) string {
	return workloadKey + "/" + imageID
}

// ShouldSendWorkload records revision and reports true when it is newer than the last one sent.
// Integer revisions compare numerically; anything else sends on change.
func (s *State) ShouldSendWorkload(key, revision string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cached, found := s.workloads.Get(key)
	if found && !isNewerRevision(revision, cached) {
		return false
	}

	s.workloads.Set(key, revision, expiration(s.config.WorkloadsMaxAge)...)
	s.logger.WithFields(logrus.Fields{
		"workload":          key,
		"revision":          revision,
		"previous_revision": cached,
	}).Debug("Workload revision changed")
	return true
}

// expiration returns no item options for a zero max age, which keeps entries until evicted
func expiration(maxAge time.Duration) []gcache.ItemOption {
	if maxAge <= 0 {
		return nil
	}
	return []gcache.ItemOption{gcache.WithExpiration(maxAge)}
}

func isNewerRevision(revision, cached string) bool {
	next, nextErr := strconv.ParseInt(revision, 10, 64)
	previous, previousErr := strconv.ParseInt(cached, 10, 64)
	if nextErr == nil && previousErr == nil {
		return next > previous
	}
	return revision != cached
}

// ShouldScanImage records imageName under the workload image key and reports true when it changed
func (s *State) ShouldScanImage(workloadKey, imageID, imageName string) bool {
	key := ImageKey(workloadKey, imageID)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if cached, found := s.images.Get(key); found && cached == imageName {
		return false
	}

	s.images.Set(key, imageName, expiration(s.config.ImagesMaxAge)...)
	return true
}

// ForgetImages rolls back image entries so the images are scanned again on the next event
func (s *State) ForgetImages(workloadKey string, imageIDs ...string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, imageID := range imageIDs {
		s.images.Delete(ImageKey(workloadKey, imageID))
	}
}

// PurgeWorkload removes the revision entry and every image entry of a deleted workload
func (s *State) PurgeWorkload(workloadKey string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.workloads.Delete(workloadKey)

	prefix := workloadKey + "/"
	purged := 0
	for _, key := range s.images.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.images.Delete(key)
			purged++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"workload":      workloadKey,
		"purged_images": purged,
	}).Debug("Purged workload dedup state")
}

func (s *State) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return Stats{
		Workloads: s.workloads.Len(),
		Images:    s.images.Len(),
	}
}

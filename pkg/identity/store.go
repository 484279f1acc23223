// Package identity implements the identity store: the persistent escrow
// mapping from real patient identifiers to research pseudonyms, including
// collision-safe allocation of compact integer surrogate IDs.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/TransfuseSolutions/crate/pkg/common/logger"
	"github.com/TransfuseSolutions/crate/pkg/hash"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Store is the identity-store contract consumed by the scrubber builder.
type Store interface {
	// GetOrCreate returns the identity record for pid, creating and
	// persisting it immediately if absent. Idempotent and race-tolerant:
	// losing a concurrent insert re-reads rather than overwriting.
	GetOrCreate(ctx context.Context, pid int64) (*PatientInfo, error)
	// SetMasterID records the master patient ID and its pseudonymous form.
	// A nil mpid stores a null MRID; it is never the hash of a sentinel.
	SetMasterID(ctx context.Context, pid int64, mpid *string) error
	// UpdateScrubberInfo persists the new fingerprint unconditionally and
	// reports whether it differs from the previously stored one.
	UpdateScrubberInfo(ctx context.Context, pid int64, fingerprint, patientText, tpText string) (changed bool, err error)
}

var errPIDExists = errors.New("trid already allocated for pid")

// SQLStore is the gorm-backed Store over the admin database, with an
// optional shared redis read cache in front of secret_map lookups. Records
// are immutable once written apart from mpid/fingerprint updates, which
// invalidate the cache.
type SQLStore struct {
	db    *gorm.DB
	cache *redis.Client

	ridHasher  hash.Hasher
	mridHasher hash.Hasher

	tridMax          int64
	tridMaxAttempts  int
	saveScrubberText bool

	// randInt is swappable for tests; nil means math/rand.
	randInt func(int64) int64
}

type StoreOptions struct {
	RIDHasher        hash.Hasher
	MRIDHasher       hash.Hasher
	TRIDMax          int64
	TRIDMaxAttempts  int
	SaveScrubberText bool
	Cache            *redis.Client
}

func NewSQLStore(db *gorm.DB, opts StoreOptions) *SQLStore {
	return &SQLStore{
		db:               db,
		cache:            opts.Cache,
		ridHasher:        opts.RIDHasher,
		mridHasher:       opts.MRIDHasher,
		tridMax:          opts.TRIDMax,
		tridMaxAttempts:  opts.TRIDMaxAttempts,
		saveScrubberText: opts.SaveScrubberText,
	}
}

func (s *SQLStore) AutoMigrate() error {
	return s.db.AutoMigrate(&PatientInfo{}, &TridRecord{}, &OptOutPid{}, &OptOutMpid{})
}

const cacheTTL = 15 * time.Minute

func cacheKey(pid int64) string {
	return "crate:identity:" + strconv.FormatInt(pid, 10)
}

func (s *SQLStore) GetOrCreate(ctx context.Context, pid int64) (*PatientInfo, error) {
	if info := s.cacheGet(ctx, pid); info != nil {
		return info, nil
	}

	var info PatientInfo
	err := s.db.WithContext(ctx).First(&info, "pid = ?", pid).Error
	if err == nil {
		s.cacheSet(ctx, &info)
		return &info, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("read identity record: %w", err)
	}

	trid, err := s.getOrAllocateTRID(ctx, pid)
	if err != nil {
		return nil, err
	}

	// RID is computed before the insert so the record is all-or-nothing:
	// no half-created identity rows on failure.
	info = PatientInfo{
		PID:  pid,
		RID:  s.ridHasher.Hash(strconv.FormatInt(pid, 10)),
		TRID: &trid,
	}
	if err := s.db.WithContext(ctx).Create(&info).Error; err != nil {
		if isDuplicateErr(err) {
			// Lost a race with another worker: re-read, never overwrite.
			var existing PatientInfo
			if err2 := s.db.WithContext(ctx).First(&existing, "pid = ?", pid).Error; err2 != nil {
				return nil, fmt.Errorf("re-read identity record after insert race: %w", err2)
			}
			s.cacheSet(ctx, &existing)
			return &existing, nil
		}
		return nil, fmt.Errorf("create identity record: %w", err)
	}

	logger.Log.WithField("trid", trid).Debug("Identity record created")
	s.cacheSet(ctx, &info)
	return &info, nil
}

// getOrAllocateTRID returns the cached TRID for pid or allocates a fresh
// one. Allocation commits immediately: other workers read this table
// promptly, and delayed commits risk cross-worker deadlocks.
func (s *SQLStore) getOrAllocateTRID(ctx context.Context, pid int64) (int64, error) {
	var rec TridRecord
	err := s.db.WithContext(ctx).First(&rec, "pid = ?", pid).Error
	if err == nil {
		return rec.TRID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("read trid cache: %w", err)
	}

	trid, err := allocateTRID(ctx, s, pid, s.tridMax, s.tridMaxAttempts, s.randInt)
	if errors.Is(err, errPIDExists) {
		// Another worker allocated for the same pid between our read and
		// insert; take theirs.
		if err2 := s.db.WithContext(ctx).First(&rec, "pid = ?", pid).Error; err2 != nil {
			return 0, fmt.Errorf("re-read trid cache after allocation race: %w", err2)
		}
		return rec.TRID, nil
	}
	return trid, err
}

// insertTRID implements tridInserter with one atomic unique-constrained
// insert. A duplicate on the pid column means the pid already has a TRID; a
// duplicate on the trid column is an ordinary candidate collision.
func (s *SQLStore) insertTRID(ctx context.Context, pid, trid int64) error {
	err := s.db.WithContext(ctx).Create(&TridRecord{PID: pid, TRID: trid}).Error
	if err == nil {
		return nil
	}
	if isDuplicateErr(err) {
		var count int64
		if err2 := s.db.WithContext(ctx).Model(&TridRecord{}).Where("pid = ?", pid).Count(&count).Error; err2 == nil && count > 0 {
			return errPIDExists
		}
		return fmt.Errorf("%w: %v", errDuplicate, err)
	}
	return err
}

func (s *SQLStore) SetMasterID(ctx context.Context, pid int64, mpid *string) error {
	updates := map[string]interface{}{"mpid": nil, "mrid": nil}
	if mpid != nil && *mpid != "" {
		mrid := s.mridHasher.Hash(*mpid)
		updates["mpid"] = *mpid
		updates["mrid"] = mrid
	}
	err := s.db.WithContext(ctx).Model(&PatientInfo{}).Where("pid = ?", pid).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("set master id: %w", err)
	}
	s.cacheDel(ctx, pid)
	return nil
}

func (s *SQLStore) UpdateScrubberInfo(ctx context.Context, pid int64, fingerprint, patientText, tpText string) (bool, error) {
	var info PatientInfo
	if err := s.db.WithContext(ctx).First(&info, "pid = ?", pid).Error; err != nil {
		return false, fmt.Errorf("read identity record for fingerprint update: %w", err)
	}
	changed := info.ScrubberHash == nil || *info.ScrubberHash != fingerprint

	updates := map[string]interface{}{
		"scrubber_hash":        fingerprint,
		"raw_scrubber_patient": nil,
		"raw_scrubber_tp":      nil,
	}
	if s.saveScrubberText {
		updates["raw_scrubber_patient"] = patientText
		updates["raw_scrubber_tp"] = tpText
	}
	if err := s.db.WithContext(ctx).Model(&PatientInfo{}).Where("pid = ?", pid).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("update scrubber fingerprint: %w", err)
	}
	s.cacheDel(ctx, pid)
	return changed, nil
}

// OptingOut reports whether the patient has opted out by PID or by MPID.
func (s *SQLStore) OptingOut(ctx context.Context, pid int64, mpid *string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&OptOutPid{}).Where("pid = ?", pid).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if mpid != nil && *mpid != "" {
		if err := s.db.WithContext(ctx).Model(&OptOutMpid{}).Where("mpid = ?", *mpid).Count(&count).Error; err != nil {
			return false, err
		}
	}
	return count > 0, nil
}

// AddOptOut records an opt-out by PID.
func (s *SQLStore) AddOptOut(ctx context.Context, pid int64) error {
	err := s.db.WithContext(ctx).Create(&OptOutPid{PID: pid}).Error
	if err != nil && !isDuplicateErr(err) {
		return err
	}
	return nil
}

func (s *SQLStore) cacheGet(ctx context.Context, pid int64) *PatientInfo {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, cacheKey(pid)).Bytes()
	if err != nil {
		return nil
	}
	var info PatientInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil
	}
	return &info
}

func (s *SQLStore) cacheSet(ctx context.Context, info *PatientInfo) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(info.PID), raw, cacheTTL).Err(); err != nil {
		logger.Log.WithError(err).Debug("Identity cache write failed")
	}
}

func (s *SQLStore) cacheDel(ctx context.Context, pid int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(pid)).Err(); err != nil {
		logger.Log.WithError(err).Debug("Identity cache invalidation failed")
	}
}

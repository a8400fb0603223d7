// Package versioning applies a new spreadsheet upload to a feed.
//
// Every upload gets the next upload version of its feed. Rows are matched to the records of
// earlier uploads by a logical key; a matched record is rewritten in place so its canonical id
// and conflicts survive re-uploads, and an unmatched row becomes a new record.
package versioning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Okossum/utilization-sub004/pkg/context"
	"github.com/Okossum/utilization-sub004/pkg/metrics"
	"github.com/Okossum/utilization-sub004/pkg/models"
	"github.com/Okossum/utilization-sub004/pkg/normalizers"
	"github.com/Okossum/utilization-sub004/pkg/store"
	"github.com/Okossum/utilization-sub004/pkg/tracing"
)

// KeyMode selects the logical key rows are matched by.
type KeyMode string

const (
	KeyPerson   KeyMode = "person"
	KeyPersonCC KeyMode = "person_cc"
)

func ParseKeyMode(s string) (KeyMode, error) {
	switch KeyMode(s) {
	case KeyPerson, "":
		return KeyPerson, nil
	case KeyPersonCC:
		return KeyPersonCC, nil
	default:
		return "", fmt.Errorf("unknown upload key mode %q", s)
	}
}

type Config struct {
	KeyMode KeyMode
	// SupersedeMissing marks latest records whose key is absent from an upload as not latest.
	SupersedeMissing bool
	LockTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeyMode: KeyPerson,
		LockTTL: 5 * time.Minute,
	}
}

// Locker serializes uploads of the same feed across instances.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Notifier publishes applied uploads.
type Notifier interface {
	EmitUploadApplied(ctx context.Context, result Result) error
}

// Upload is one already-parsed spreadsheet.
type Upload struct {
	Feed     models.Feed
	FileName string
	Rows     []models.FeedRow
	// SupersedeMissing overrides Config.SupersedeMissing when set.
	SupersedeMissing *bool
}

// Result summarizes an applied upload.
type Result struct {
	Feed       models.Feed `json:"feed"`
	FileName   string      `json:"file_name,omitempty"`
	Version    int         `json:"version"`
	Rows       int         `json:"rows"`
	Inserted   int         `json:"inserted"`
	Updated    int         `json:"updated"`
	Superseded int         `json:"superseded"`
	Duplicates int         `json:"duplicates"`
	Skipped    int         `json:"skipped"`
	Batches    int         `json:"batches"`
}

type Versioner struct {
	records  store.RecordStore
	batcher  *store.Batcher
	logger   ectologger.Logger
	cfg      Config
	locker   Locker
	notifier Notifier
}

func NewVersioner(records store.RecordStore, batcher *store.Batcher, logger ectologger.Logger, cfg Config) *Versioner {
	if cfg.KeyMode == "" {
		cfg.KeyMode = KeyPerson
	}
	return &Versioner{
		records: records,
		batcher: batcher,
		logger:  logger,
		cfg:     cfg,
	}
}

func (v *Versioner) WithLocker(l Locker) *Versioner {
	v.locker = l
	return v
}

func (v *Versioner) WithNotifier(n Notifier) *Versioner {
	v.notifier = n
	return v
}

// Apply stamps the upload with the next version and writes it.
func (v *Versioner) Apply(ctx context.Context, upload Upload) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "versioning.Versioner.Apply")
	defer span.End()

	if err := store.ValidateFeed(upload.Feed); err != nil {
		return Result{}, fmt.Errorf("feed %q: %w", upload.Feed, err)
	}
	ctx = appctx.SetFeed(ctx, string(upload.Feed))

	if v.locker == nil {
		return v.apply(ctx, upload)
	}

	var result Result
	err := v.locker.WithLock(ctx, "upload:"+string(upload.Feed), v.cfg.LockTTL, func(ctx context.Context) error {
		var applyErr error
		result, applyErr = v.apply(ctx, upload)
		return applyErr
	})
	return result, err
}

type keyedRow struct {
	key string
	row models.FeedRow
}

func (v *Versioner) apply(ctx context.Context, upload Upload) (Result, error) {
	started := time.Now()
	feed := upload.Feed
	result := Result{Feed: feed, FileName: upload.FileName, Rows: len(upload.Rows)}
	log := v.logger.WithContext(ctx).WithFields(map[string]any{
		"feed":      feed,
		"file_name": upload.FileName,
	})

	version, err := v.records.NextUploadVersion(ctx, feed)
	if err != nil {
		log.WithError(err).Error("Failed to reserve upload version")
		return result, fmt.Errorf("reserve upload version of %s: %w", feed, err)
	}
	result.Version = version

	existing, err := v.records.Query(ctx, feed, store.Filter{})
	if err != nil {
		log.WithError(err).Error("Failed to load existing records")
		return result, fmt.Errorf("load existing %s records: %w", feed, err)
	}
	prior := make(map[string][]*models.FeedRecord)
	var priorKeys []string
	for _, r := range existing {
		key := v.recordKey(r)
		if _, ok := prior[key]; !ok {
			priorKeys = append(priorKeys, key)
		}
		prior[key] = append(prior[key], r)
	}

	rows := v.dedupe(ctx, upload.Rows, &result)

	var writes []store.Write
	notLatest := false
	for _, kr := range rows {
		record := v.newRecord(feed, upload.FileName, result.Version, kr.row)
		group := prior[kr.key]
		if len(group) == 0 {
			writes = append(writes, store.Insert(record))
			result.Inserted++
			continue
		}

		target := pickTarget(group)
		writes = append(writes, store.Replace(target.ID, record))
		result.Updated++
		for _, other := range group {
			if other.ID != target.ID && other.IsLatest {
				writes = append(writes, store.Merge(other.ID, store.RecordPatch{IsLatest: &notLatest}))
				result.Superseded++
			}
		}
	}

	supersede := v.cfg.SupersedeMissing
	if upload.SupersedeMissing != nil {
		supersede = *upload.SupersedeMissing
	}
	if supersede {
		uploaded := make(map[string]struct{}, len(rows))
		for _, kr := range rows {
			uploaded[kr.key] = struct{}{}
		}
		for _, key := range priorKeys {
			if _, ok := uploaded[key]; ok {
				continue
			}
			for _, r := range prior[key] {
				if r.IsLatest {
					writes = append(writes, store.Merge(r.ID, store.RecordPatch{IsLatest: &notLatest}))
					result.Superseded++
				}
			}
		}
	}

	batches, err := v.batcher.Write(ctx, feed, writes)
	result.Batches = batches
	if err != nil {
		log.WithError(err).WithField("version", result.Version).Error("Upload partially applied")
		return result, err
	}

	metrics.RecordUpload(string(feed), result.Inserted, result.Updated, result.Superseded, time.Since(started).Seconds())
	log.WithFields(map[string]any{
		"version":    result.Version,
		"inserted":   result.Inserted,
		"updated":    result.Updated,
		"superseded": result.Superseded,
		"duplicates": result.Duplicates,
		"skipped":    result.Skipped,
		"batches":    result.Batches,
	}).Info("Upload applied")

	if v.notifier != nil {
		if err := v.notifier.EmitUploadApplied(ctx, result); err != nil {
			log.WithError(err).Warn("Failed to emit upload.applied event")
		}
	}
	return result, nil
}

// dedupe drops rows without a person and keeps the last row of every key, in first-seen order.
func (v *Versioner) dedupe(ctx context.Context, rows []models.FeedRow, result *Result) []keyedRow {
	index := make(map[string]int, len(rows))
	out := make([]keyedRow, 0, len(rows))
	for _, row := range rows {
		key := v.rowKey(row)
		if key == "" {
			result.Skipped++
			continue
		}
		if i, ok := index[key]; ok {
			v.logger.WithContext(ctx).WithField("person", row.Person).Warn("Duplicate person in upload; last row wins")
			out[i].row = row
			result.Duplicates++
			continue
		}
		index[key] = len(out)
		out = append(out, keyedRow{key: key, row: row})
	}
	return out
}

func (v *Versioner) logicalKey(person, competenceCenter string) string {
	personKey := normalizers.PersonKey(person)
	if personKey == "" {
		return ""
	}
	if v.cfg.KeyMode == KeyPersonCC {
		return personKey + "|" + normalizers.CompetenceCenter(competenceCenter)
	}
	return personKey
}

func (v *Versioner) rowKey(row models.FeedRow) string {
	return v.logicalKey(row.Person, row.CompetenceCenter)
}

func (v *Versioner) recordKey(r *models.FeedRecord) string {
	return v.logicalKey(r.Person, r.CompetenceCenter)
}

func (v *Versioner) newRecord(feed models.Feed, fileName string, version int, row models.FeedRow) *models.FeedRecord {
	r := &models.FeedRecord{
		Feed:             feed,
		Person:           strings.TrimSpace(row.Person),
		PersonKey:        normalizers.PersonKey(row.Person),
		CompetenceCenter: strings.TrimSpace(row.CompetenceCenter),
		Team:             strings.TrimSpace(row.Team),
		LineOfBusiness:   strings.TrimSpace(row.LineOfBusiness),
		CareerLevel:      strings.TrimSpace(row.CareerLevel),
		FileName:         fileName,
		UploadVersion:    version,
		IsLatest:         true,
		WeeklyValues:     row.WeeklyValues,
	}
	return r.Clone()
}

// pickTarget prefers the latest record of a key, then the highest upload version. group is
// ordered by upload version descending.
func pickTarget(group []*models.FeedRecord) *models.FeedRecord {
	for _, r := range group {
		if r.IsLatest {
			return r
		}
	}
	return group[0]
}

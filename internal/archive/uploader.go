// Package archive mirrors exports and scraped artwork into object storage
// and maintains lookup indexes over what has been archived.
package archive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"printavo-archive/internal/assert"
	"printavo-archive/internal/components/chrono"
	"printavo-archive/internal/components/errlist"
	"printavo-archive/internal/components/telemetry"
	"printavo-archive/internal/retry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("printavo-archive/internal/archive")

const (
	report_uploader_sync   = "uploader.sync"
	report_uploader_index  = "uploader.index"
	report_uploader_export = "uploader.export"
)

const (
	ExportsPath = "exports"
	ArtworkPath = "artwork"
	IndexPath   = "index"
)

type Options struct {
	Prefix  string
	Workers int
	// MaxErrors bounds how many failures are kept for the report.
	MaxErrors int
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "printavo-archive"
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.MaxErrors == 0 {
		o.MaxErrors = 50
	}
}

// SyncResult counts what a single sync did.
type SyncResult struct {
	Total    int64 `json:"total"`
	Uploaded int64 `json:"uploaded"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
	Bytes    int64 `json:"bytes"`
}

// SyncProgress is reported after every file.
type SyncProgress struct {
	Done  int64
	Total int64
	Path  string
}

type Stats struct {
	FilesUploaded int64    `json:"files_uploaded"`
	BytesUploaded int64    `json:"bytes_uploaded"`
	FilesSkipped  int64    `json:"files_skipped"`
	FilesFailed   int64    `json:"files_failed"`
	Errors        int64    `json:"errors"`
	RecentErrors  []string `json:"error_messages"`
}

type Uploader struct {
	store ObjectStore
	opts  Options
	clock chrono.API
	tel   telemetry.API

	uploaded atomic.Int64
	bytes    atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
	errors   *errlist.List
}

func NewUploader(store ObjectStore, opts Options, clock chrono.API, tel telemetry.API) *Uploader {
	assert.NotNil(store)
	assert.NotNil(clock)
	assert.NotNil(tel)
	opts.setDefaults()

	return &Uploader{
		store:  store,
		opts:   opts,
		clock:  clock,
		tel:    telemetry.NewScopedAPI("archive", tel),
		errors: errlist.New(opts.MaxErrors),
	}
}

// Key builds an object key under the archive prefix.
func (u *Uploader) Key(parts ...string) string {
	return path.Join(append([]string{u.opts.Prefix}, parts...)...)
}

func (u *Uploader) EnsureBucket(ctx context.Context) error {
	return u.store.EnsureBucket(ctx)
}

func contentType(name string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if t == "" {
		return "application/octet-stream"
	}
	return t
}

type localFile struct {
	path string
	key  string
	rel  string
	// mutable files are rewritten locally under the same key, so an existing
	// object is only kept when its content matches.
	mutable bool
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	_, err = io.Copy(h, f)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// upToDate reports whether the object at f.key can be left alone.
func (u *Uploader) upToDate(ctx context.Context, f localFile) (bool, error) {
	info, err := u.store.Stat(ctx, f.key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !f.mutable {
		return true, nil
	}

	local, err := os.Stat(f.path)
	if err != nil {
		return false, err
	}
	if local.Size() != info.Size {
		return false, nil
	}
	sum, err := fileMD5(f.path)
	if err != nil {
		return false, err
	}
	// multipart etags never match an md5, those objects are rewritten
	return sum == info.ETag, nil
}

func (u *Uploader) putPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Retryable:   retry.IsTransient,
	}
}

// syncFiles uploads every file whose object is missing, or differs from the
// local file for mutable files.
func (u *Uploader) syncFiles(ctx context.Context, files []localFile, onProgress func(SyncProgress)) (SyncResult, error) {
	result := SyncResult{Total: int64(len(files))}
	var uploaded, skipped, failed, size, done atomic.Int64

	group := errgroup.Group{}
	group.SetLimit(u.opts.Workers)
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			defer func() {
				n := done.Add(1)
				if onProgress != nil {
					onProgress(SyncProgress{Done: n, Total: result.Total, Path: f.rel})
				}
			}()

			current, err := u.upToDate(ctx, f)
			if err != nil {
				u.fail(&failed, f, err)
				return nil
			}
			if current {
				skipped.Add(1)
				u.skipped.Add(1)
				return nil
			}

			var n int64
			err = retry.Do(ctx, u.putPolicy(), func(int) error {
				var putErr error
				n, putErr = u.store.PutFile(ctx, f.key, f.path, contentType(f.path))
				return putErr
			})
			if err != nil {
				if ctx.Err() == nil {
					u.fail(&failed, f, err)
				}
				return nil
			}
			uploaded.Add(1)
			size.Add(n)
			u.uploaded.Add(1)
			u.bytes.Add(n)
			return nil
		})
	}
	group.Wait()

	result.Uploaded = uploaded.Load()
	result.Skipped = skipped.Load()
	result.Failed = failed.Load()
	result.Bytes = size.Load()
	return result, ctx.Err()
}

func (u *Uploader) fail(counter *atomic.Int64, f localFile, err error) {
	counter.Add(1)
	u.failed.Add(1)
	u.errors.Add("%s: %v", f.rel, err)
	u.tel.ReportWarning(report_uploader_sync, f.key, err)
}

// SyncDirectory mirrors every file under localDir to remotePrefix (relative
// to the archive prefix), objects that already exist are left alone. Files
// are visited in lexical order.
func (u *Uploader) SyncDirectory(ctx context.Context, localDir, remotePrefix string, onProgress func(SyncProgress)) (SyncResult, error) {
	ctx, span := tracer.Start(ctx, "SyncDirectory")
	defer span.End()
	span.SetAttributes(attribute.String("prefix", remotePrefix))

	var files []localFile
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".part") {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		files = append(files, localFile{path: p, key: u.Key(remotePrefix, rel), rel: rel})
		return nil
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("walk %s: %w", localDir, err)
	}

	result, err := u.syncFiles(ctx, files, onProgress)
	u.tel.ReportDebug("sync finished", remotePrefix, result.Uploaded, result.Skipped, result.Failed)
	return result, err
}

// UploadExport uploads the json files of one export directory to
// exports/{timestamp}/. A resumed run rewrites files of the same export, so
// objects whose content differs from the local file are replaced.
func (u *Uploader) UploadExport(ctx context.Context, localDir, timestamp string) (SyncResult, error) {
	ctx, span := tracer.Start(ctx, "UploadExport")
	defer span.End()

	matches, err := filepath.Glob(filepath.Join(localDir, "*.json"))
	if err != nil {
		return SyncResult{}, err
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		u.tel.ReportWarning(report_uploader_export, "no json files to upload", localDir)
	}

	files := make([]localFile, len(matches))
	for i, m := range matches {
		name := filepath.Base(m)
		files[i] = localFile{path: m, key: u.Key(ExportsPath, timestamp, name), rel: name, mutable: true}
	}
	return u.syncFiles(ctx, files, nil)
}

// UploadArtworkTree mirrors localRoot/by_customer to artwork/by_customer.
func (u *Uploader) UploadArtworkTree(ctx context.Context, localRoot string, onProgress func(SyncProgress)) (SyncResult, error) {
	dir := filepath.Join(localRoot, "by_customer")
	_, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return SyncResult{}, nil
	}
	return u.SyncDirectory(ctx, dir, path.Join(ArtworkPath, "by_customer"), onProgress)
}

// UploadIndex stamps the index and writes it to index/{name}.json, an
// existing index is replaced.
func (u *Uploader) UploadIndex(ctx context.Context, name string, idx Index) error {
	idx.stamp(u.clock.Now())
	buff, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}

	key := u.Key(IndexPath, name+".json")
	err = retry.Do(ctx, u.putPolicy(), func(int) error {
		return u.store.PutBytes(ctx, key, buff, "application/json")
	})
	if err != nil {
		u.failed.Add(1)
		u.errors.Add("index %s: %v", name, err)
		u.tel.ReportBroken(report_uploader_index, name, err)
		return err
	}
	u.uploaded.Add(1)
	u.bytes.Add(int64(len(buff)))
	return nil
}

// ListExports returns the timestamps of every uploaded export, newest first.
func (u *Uploader) ListExports(ctx context.Context) ([]string, error) {
	prefix := u.Key(ExportsPath) + "/"
	dirs, err := u.store.ListPrefixes(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		ts := strings.TrimSuffix(strings.TrimPrefix(d, prefix), "/")
		if ts != "" {
			out = append(out, ts)
		}
	}
	// timestamps sort lexically
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (u *Uploader) Stats() Stats {
	return Stats{
		FilesUploaded: u.uploaded.Load(),
		BytesUploaded: u.bytes.Load(),
		FilesSkipped:  u.skipped.Load(),
		FilesFailed:   u.failed.Load(),
		Errors:        u.errors.Total(),
		RecentErrors:  u.errors.Recent(),
	}
}

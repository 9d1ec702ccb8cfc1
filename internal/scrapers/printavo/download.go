package printavo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"printavo-archive/internal/filetype"
	"printavo-archive/internal/retry"
	"printavo-archive/pkg/fsutil"

	"golang.org/x/sync/errgroup"
)

// Download fetches files into dir with up to Workers downloads in flight.
// Files already present with a non-zero size are not fetched again. The
// returned slice mirrors files with size and outcome filled in, it is in the
// same order.
func (s *Scraper) Download(ctx context.Context, files []ScrapedFile, dir string) ([]ScrapedFile, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("create order dir: %w", err)
	}

	out := make([]ScrapedFile, len(files))
	copy(out, files)

	group := errgroup.Group{}
	group.SetLimit(s.opts.Workers)
	for i := range out {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			s.downloadOne(ctx, &out[i], dir)
			return nil
		})
	}
	group.Wait()
	return out, ctx.Err()
}

func (s *Scraper) downloadOne(ctx context.Context, f *ScrapedFile, dir string) {
	dest := filepath.Join(dir, f.Filename)

	if fsutil.NonEmpty(dest) {
		info, err := os.Stat(dest)
		if err == nil {
			f.SizeBytes = info.Size()
		}
		f.Downloaded = true
		s.filesSkipped.Add(1)
		return
	}

	partial := dest + ".part"
	var size int64
	err := retry.Do(ctx, s.downloadPolicy(), func(int) error {
		out, err := os.Create(partial)
		if err != nil {
			return err
		}
		size, err = s.client.download(ctx, f.URL, s.opts.DownloadTimeout, out)
		closeErr := out.Close()
		if err != nil {
			return err
		}
		return closeErr
	})
	if err != nil {
		os.Remove(partial)
		if ctx.Err() == nil {
			s.fileFailed(f, err)
		}
		return
	}

	err = filetype.Validate(partial, f.Type)
	if err != nil {
		os.Remove(partial)
		s.fileFailed(f, err)
		return
	}
	err = os.Rename(partial, dest)
	if err != nil {
		os.Remove(partial)
		s.fileFailed(f, err)
		return
	}

	if f.Type == filetype.Unknown {
		f.Type = filetype.Detect(dest)
	}
	f.SizeBytes = size
	f.Downloaded = true
	s.filesDownloaded.Add(1)
	s.bytesDownloaded.Add(size)
}

func (s *Scraper) fileFailed(f *ScrapedFile, err error) {
	s.filesFailed.Add(1)
	s.errors.Add("%s (%s): %v", f.Filename, f.URL, err)
	s.tel.ReportWarning(report_scraper_download, f.URL, err)
}

func (s *Scraper) downloadPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: s.opts.MaxAttempts,
		BaseDelay:   time.Second,
		Retryable:   retry.IsTransient,
	}
}

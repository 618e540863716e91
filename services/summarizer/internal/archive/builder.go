package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"reportd/services/summarizer/internal/metrics"
	"reportd/services/summarizer/internal/model"
	"reportd/services/summarizer/internal/ports"
)

const (
	// DefaultFetchTimeout bounds each report download.
	DefaultFetchTimeout = 30 * time.Second

	archiveSuffix = "_final_reports.zip"
	partialSuffix = ".part"
)

// Name returns the archive file name for a session.
func Name(sessionID string) string {
	return sessionID + archiveSuffix
}

// Builder fetches report files and bundles them into one zip archive.
type Builder struct {
	fetcher ports.Fetcher
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBuilder creates a Builder. A non-positive timeout falls back to DefaultFetchTimeout.
func NewBuilder(fetcher ports.Fetcher, timeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) (*Builder, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Builder{
		fetcher: fetcher,
		timeout: timeout,
		logger:  logger.With().Str("component", "archive").Logger(),
		metrics: m,
	}, nil
}

// Build downloads each file into folder and writes {sessionID}_final_reports.zip there.
// Files that fail to download are skipped and reported as degradations; an archive
// is still produced when none succeed. Errors are returned only when the archive
// itself cannot be written.
func (b *Builder) Build(ctx context.Context, files []model.ReportFile, folder, sessionID string) (*model.Archive, ports.Degradations, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, nil, errors.New("session id is required")
	}
	info, err := os.Stat(folder)
	if err != nil {
		return nil, nil, fmt.Errorf("stat scratch folder: %w", err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("scratch folder %q is not a directory", folder)
	}

	archivePath := filepath.Join(folder, Name(sessionID))
	partial := archivePath + partialSuffix

	out, err := os.Create(partial)
	if err != nil {
		return nil, nil, fmt.Errorf("create archive: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			out.Close()
			os.Remove(partial)
		}
	}()

	zw := zip.NewWriter(out)
	log := b.logger.With().Str("session_id", sessionID).Logger()

	var (
		degraded ports.Degradations
		entries  []string
		used     = map[string]struct{}{
			Name(sessionID):                 {},
			Name(sessionID) + partialSuffix: {},
		}
	)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		name := entryName(f, used)
		local, err := b.download(ctx, f, folder, name)
		b.metrics.FileFetched(err == nil)
		if err != nil {
			log.Warn().Err(err).Str("file", f.FileName).Str("file_type", f.FileType).Msg("report download failed, skipping")
			degraded.Add("fetch "+f.FileName, err)
			continue
		}

		if err := addFile(zw, local, name); err != nil {
			return nil, nil, fmt.Errorf("add %q to archive: %w", name, err)
		}
		used[name] = struct{}{}
		entries = append(entries, name)
	}

	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, nil, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(partial, archivePath); err != nil {
		return nil, nil, fmt.Errorf("commit archive: %w", err)
	}
	committed = true

	stat, err := os.Stat(archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("stat archive: %w", err)
	}

	if len(entries) == 0 {
		log.Warn().Int("requested", len(files)).Msg("archive is empty, no report could be fetched")
	} else {
		log.Info().Int("files", len(entries)).Int64("bytes", stat.Size()).Msg("archive built")
	}

	return &model.Archive{
		Path:      archivePath,
		SessionID: sessionID,
		Entries:   entries,
		Bytes:     stat.Size(),
	}, degraded, nil
}

// download writes the report to folder/name and removes partial files on failure.
func (b *Builder) download(ctx context.Context, f model.ReportFile, folder, name string) (string, error) {
	if strings.TrimSpace(f.FileURL) == "" {
		return "", errors.New("missing file url")
	}
	data, err := b.fetcher.Get(ctx, f.FileURL, b.timeout)
	if err != nil {
		return "", err
	}

	local := filepath.Join(folder, name)
	if err := os.WriteFile(local, data, 0o644); err != nil {
		os.Remove(local)
		return "", fmt.Errorf("write %q: %w", name, err)
	}
	return local, nil
}

func addFile(zw *zip.Writer, local, name string) error {
	file, err := os.Open(local)
	if err != nil {
		return err
	}
	defer file.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, file)
	return err
}

// entryName derives a flat, unique archive entry name for f.
func entryName(f model.ReportFile, used map[string]struct{}) string {
	name := filepath.Base(filepath.Clean(strings.ReplaceAll(f.FileName, "\\", "/")))
	if name == "." || name == "/" || name == "" {
		name = sanitize(f.FileType)
		if name == "" {
			name = "report"
		}
	}
	if _, taken := used[name]; !taken {
		return name
	}
	candidate := sanitize(f.FileType) + "_" + name
	for i := 2; ; i++ {
		if _, taken := used[candidate]; !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%d_%s", i, name)
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(s))
}

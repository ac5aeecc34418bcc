// Package catalog exports the broadcast and VoD catalog into the IPTV portal
// (Stalker) database by running its MySQL client.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"relaycast/internal/config"
	"relaycast/internal/models"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/serverutil"
	"relaycast/internal/storage"
)

const (
	msgMissingDBSettings = "Portal DB info is missing"
	msgMissingVoDFolder  = "No VoD folder specified"
	errorIDMissingDB     = 404
	errorIDMissingFolder = 500
	errorIDRunFailed     = -1
	playbackPort         = 5080
)

var (
	// ErrMissingDBSettings is returned when the portal database host, user or
	// password is not configured.
	ErrMissingDBSettings = errors.New("catalog: portal database settings are missing")
	// ErrMissingVoDFolder is returned by the VoD export without a VoD folder.
	ErrMissingVoDFolder = errors.New("catalog: vod folder is not configured")
)

// ProcessRunner runs an external command and reports its exit status.
type ProcessRunner interface {
	Run(ctx context.Context, name string, args ...string) (exitCode int, output []byte, err error)
}

// ExecRunner runs commands with os/exec, merging stdout and stderr.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out.Bytes(), nil
	}
	if err != nil {
		return -1, out.Bytes(), err
	}
	return 0, out.Bytes(), nil
}

// Source is the catalog data the exporter pages through.
type Source interface {
	BroadcastCount(ctx context.Context) (int64, error)
	ListBroadcasts(ctx context.Context, offset, size int) ([]models.Broadcast, error)
	TotalVoDs(ctx context.Context) (int64, error)
	ListVoDs(ctx context.Context, offset, size int) ([]models.VoD, error)
}

// Option customises an Exporter.
type Option func(*Exporter)

// WithRunner replaces the process runner.
func WithRunner(runner ProcessRunner) Option {
	return func(e *Exporter) {
		if runner != nil {
			e.runner = runner
		}
	}
}

// WithLogger sets the exporter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logging.WithComponent(logger, "catalog")
		}
	}
}

// WithRecorder counts export runs on recorder.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(e *Exporter) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// WithHostResolver overrides how the server address is found when no server
// name is configured.
func WithHostResolver(resolve func() (string, error)) Option {
	return func(e *Exporter) {
		if resolve != nil {
			e.hostAddress = resolve
		}
	}
}

// Exporter rebuilds the portal channel and video tables from the catalog.
type Exporter struct {
	source      Source
	settings    func() config.Settings
	runner      ProcessRunner
	logger      *slog.Logger
	recorder    *metrics.Recorder
	hostAddress func() (string, error)
}

// NewExporter builds an Exporter reading from source.
func NewExporter(source Source, settings func() config.Settings, opts ...Option) *Exporter {
	if settings == nil {
		settings = config.Defaults
	}
	e := &Exporter{
		source:      source,
		settings:    settings,
		runner:      ExecRunner{},
		logger:      logging.WithComponent(slog.Default(), "catalog"),
		recorder:    metrics.Default(),
		hostAddress: serverutil.HostAddress,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExportLive replaces the portal channel list with every stored broadcast.
func (e *Exporter) ExportLive(ctx context.Context) models.Result {
	settings := e.settings()
	if err := CheckSettings(settings, false); err != nil {
		return settingsResult(err)
	}
	query, err := e.LiveQuery(ctx, settings)
	if err != nil {
		e.logger.Error("build live export", "error", err)
		e.recorder.ObserveCatalogExport("live", false)
		return models.FailedWithID("", errorIDRunFailed)
	}
	return e.run(ctx, "live", settings, query)
}

// ExportVoD replaces the portal video list with every user VoD.
func (e *Exporter) ExportVoD(ctx context.Context) models.Result {
	settings := e.settings()
	if err := CheckSettings(settings, true); err != nil {
		return settingsResult(err)
	}
	query, err := e.VoDQuery(ctx, settings)
	if err != nil {
		e.logger.Error("build vod export", "error", err)
		e.recorder.ObserveCatalogExport("vod", false)
		return models.FailedWithID("", errorIDRunFailed)
	}
	return e.run(ctx, "vod", settings, query)
}

// CheckSettings reports which export prerequisite is missing, if any.
func CheckSettings(settings config.Settings, needVoDFolder bool) error {
	if !settings.StalkerDB.Complete() {
		return ErrMissingDBSettings
	}
	if needVoDFolder && strings.TrimSpace(settings.VoDFolder) == "" {
		return ErrMissingVoDFolder
	}
	return nil
}

func settingsResult(err error) models.Result {
	if errors.Is(err, ErrMissingVoDFolder) {
		return models.FailedWithID(msgMissingVoDFolder, errorIDMissingFolder)
	}
	return models.FailedWithID(msgMissingDBSettings, errorIDMissingDB)
}

// LiveQuery builds the statement batch of the live export.
func (e *Exporter) LiveQuery(ctx context.Context, settings config.Settings) (string, error) {
	fqdn := e.fqdn(settings)

	var q strings.Builder
	q.WriteString("DELETE FROM stalker_db.ch_links;")
	q.WriteString("DELETE FROM stalker_db.itv;")
	number := 0
	err := eachPage(ctx, e.source.BroadcastCount, e.source.ListBroadcasts, func(page []models.Broadcast) {
		for _, b := range page {
			number++
			cmd := sqlString(playbackCommand(fqdn, settings.ScopeName, b.StreamID+".m3u8"))
			fmt.Fprintf(&q, "INSERT INTO stalker_db.itv(name, number, tv_genre_id, base_ch, cmd, languages) VALUES (%s , %d, 2, 1, %s, '');",
				sqlString(b.Name), number, cmd)
			fmt.Fprintf(&q, "SET @last_id=LAST_INSERT_ID();INSERT INTO stalker_db.ch_links(ch_id, url) VALUES(@last_id, %s);", cmd)
		}
	})
	if err != nil {
		return "", fmt.Errorf("load broadcasts: %w", err)
	}
	return q.String(), nil
}

// VoDQuery builds the statement batch of the VoD export. Only user VoDs from
// the VoD folder are exported.
func (e *Exporter) VoDQuery(ctx context.Context, settings config.Settings) (string, error) {
	fqdn := e.fqdn(settings)
	folder := filepath.Base(filepath.Clean(settings.VoDFolder))

	var q strings.Builder
	q.WriteString("DELETE FROM stalker_db.video_series_files;")
	q.WriteString("DELETE FROM stalker_db.video;")
	err := eachPage(ctx, e.source.TotalVoDs, e.source.ListVoDs, func(page []models.VoD) {
		for _, v := range page {
			if v.Type != models.VoDTypeUser {
				continue
			}
			name := sqlString(v.VoDName)
			fmt.Fprintf(&q, "INSERT INTO stalker_db.video(name, o_name, protocol, category_id, cat_genre_id_1, status, cost, path, accessed) values(%s, %s, '', 1, 1, 1, 0, %s, 1);",
				name, name, name)
			q.WriteString("SET @last_id=LAST_INSERT_ID();")
			cmd := sqlString(playbackCommand(fqdn, settings.ScopeName, relativeToFolder(v.FilePath, folder)))
			fmt.Fprintf(&q, "INSERT INTO stalker_db.video_series_files(video_id, file_type, protocol, url, languages, quality, date_add, date_modify, status, accessed)VALUES(@last_id, 'video', 'custom', %s, 'a:1:{i:0;s:2:\"en\";}', 5, NOW(), NOW(), 1, 1);",
				cmd)
		}
	})
	if err != nil {
		return "", fmt.Errorf("load vods: %w", err)
	}
	return q.String(), nil
}

func (e *Exporter) run(ctx context.Context, kind string, settings config.Settings, query string) models.Result {
	db := settings.StalkerDB
	client := settings.MySQLClientPath
	if client == "" {
		client = "mysql"
	}
	code, output, err := e.runner.Run(ctx, client, "-h", db.Host, "-u", db.User, "-p"+db.Password, "-e", query)
	if len(output) > 0 {
		e.logger.Info("portal client output", "kind", kind, "output", string(output))
	}
	success := err == nil && code == 0
	e.recorder.ObserveCatalogExport(kind, success)
	if !success {
		e.logger.Warn("portal export failed", "kind", kind, "exit_code", code, "error", err)
		return models.FailedWithID("", errorIDRunFailed)
	}
	e.logger.Info("portal export finished", "kind", kind, "bytes", len(query))
	return models.Succeeded("")
}

func (e *Exporter) fqdn(settings config.Settings) string {
	if name := strings.TrimSpace(settings.ServerName); name != "" {
		return name
	}
	addr, err := e.hostAddress()
	if err != nil {
		e.logger.Warn("resolve host address", "error", err)
	}
	return addr
}

// eachPage reads the catalog MaxItemInOneList items at a time and hands each
// page to visit before fetching the next one.
func eachPage[T any](ctx context.Context, count func(context.Context) (int64, error), list func(context.Context, int, int) ([]T, error), visit func([]T)) error {
	total, err := count(ctx)
	if err != nil {
		return err
	}
	pageSize := int64(storage.MaxItemInOneList)
	pages := total / pageSize
	if total%pageSize != 0 {
		pages++
	}
	for i := int64(0); i < pages; i++ {
		page, err := list(ctx, int(i*pageSize), int(pageSize))
		if err != nil {
			return fmt.Errorf("page %d: %w", i, err)
		}
		visit(page)
	}
	return nil
}

func playbackCommand(fqdn, scope, file string) string {
	return "ffmpeg http://" + fqdn + ":" + strconv.Itoa(playbackPort) + "/" + scope + "/streams/" + file
}

// relativeToFolder trims everything before the last occurrence of folder in
// filePath.
func relativeToFolder(filePath, folder string) string {
	if folder == "" || folder == "." {
		return filePath
	}
	if idx := strings.LastIndex(filePath, folder); idx >= 0 {
		return filePath[idx:]
	}
	return filePath
}

var sqlEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// sqlString quotes s as a MySQL string literal.
func sqlString(s string) string {
	return "'" + sqlEscaper.Replace(norm.NFC.String(s)) + "'"
}

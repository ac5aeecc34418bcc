package broadcast

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path"
	"path/filepath"
	"strings"

	"relaycast/internal/config"
	"relaycast/internal/events"
	"relaycast/internal/models"
	"relaycast/internal/storage"
)

const (
	msgNotMP4      = "notMp4File"
	msgVoDDeleted  = "vod deleted"
	vodIDDigits    = 24
	streamsDir     = "streams"
	previewsDir    = "previews"
	mp4ContentType = "video/mp4"
)

// appDir is the directory the media server serves the application from.
func appDir(settings config.Settings) string {
	return filepath.Join(settings.WebRoot, "webapps", settings.ScopeName)
}

// UploadVoD stores an uploaded MP4 file and registers it as a VoD once the
// whole payload is on disk. The result message and data id carry the new
// VoD id.
func (m *Manager) UploadVoD(ctx context.Context, fileName string, r io.Reader) models.Result {
	if ext := strings.TrimPrefix(path.Ext(fileName), "."); ext != "mp4" {
		return models.Failed(msgNotMP4)
	}
	settings := m.settings()

	id, err := m.newVoDID()
	if err != nil {
		m.logger.Error("generate vod id", "error", err)
		return models.Result{}
	}
	dir := filepath.Join(appDir(settings), streamsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Error("create streams dir", "dir", dir, "error", err)
		return models.Result{}
	}
	target := filepath.Join(dir, id+".mp4")
	size, err := writeFile(target, r)
	if err != nil {
		m.logger.Error("store uploaded file", "file", fileName, "error", err)
		return models.Result{}
	}

	relative := path.Join(streamsDir, id+".mp4")
	vod := models.VoD{
		VoDID:        id,
		VoDName:      fileName,
		StreamName:   fileName,
		FilePath:     relative,
		CreationDate: m.now().UnixMilli(),
		FileSize:     size,
		Type:         models.VoDTypeUploaded,
	}
	if err := m.repo.AddVoD(ctx, vod); err != nil {
		m.logger.Error("register vod", "vod_id", id, "error", err)
		_ = os.Remove(target)
		return models.Result{}
	}
	m.mirror(ctx, target, relative, size)
	m.publish(ctx, events.Event{Type: events.VoDUploaded, VoDID: id, Details: map[string]string{"name": fileName}})
	return models.Result{Success: true, Message: id, DataID: id}
}

// writeFile copies r into a temporary file next to target and renames it into
// place, so a partial upload never appears under the final name.
func writeFile(target string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()
	size, err := io.Copy(tmp, r)
	if err != nil {
		return 0, fmt.Errorf("copy upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return 0, fmt.Errorf("rename upload: %w", err)
	}
	success = true
	return size, nil
}

func (m *Manager) mirror(ctx context.Context, localPath, key string, size int64) {
	file, err := os.Open(localPath)
	if err != nil {
		m.logger.Warn("open vod for mirroring", "key", key, "error", err)
		return
	}
	defer file.Close()
	if err := m.objects.Put(ctx, key, file, size, mp4ContentType); err != nil {
		m.logger.Warn("mirror vod", "key", key, "error", err)
	}
}

// DeleteVoD removes the VoD file, its record and its preview image, then the
// remote copies. The first failing step ends the operation; nothing is
// retried.
func (m *Manager) DeleteVoD(ctx context.Context, vodID string) models.Result {
	vod, err := m.repo.GetVoD(ctx, vodID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("load vod", "vod_id", vodID, "error", err)
		}
		return models.Result{}
	}
	root := appDir(m.settings())

	if vod.FilePath != "" {
		if err := removeIfExists(filepath.Join(root, filepath.FromSlash(vod.FilePath))); err != nil {
			m.logger.Error("delete vod file", "vod_id", vodID, "error", err)
			return models.Result{}
		}
	}
	if err := m.repo.DeleteVoD(ctx, vodID); err != nil {
		m.logger.Error("delete vod record", "vod_id", vodID, "error", err)
		return models.Result{}
	}

	base := fileBase(vod)
	if err := removeIfExists(filepath.Join(root, previewsDir, base+".png")); err != nil {
		m.logger.Error("delete vod preview", "vod_id", vodID, "error", err)
		return models.Result{}
	}
	for _, key := range []string{path.Join(streamsDir, base+".mp4"), path.Join(previewsDir, base+".png")} {
		if err := m.objects.Delete(ctx, key); err != nil {
			m.logger.Error("delete remote vod object", "key", key, "error", err)
			return models.Result{}
		}
	}
	m.publish(ctx, events.Event{Type: events.VoDDeleted, VoDID: vodID})
	return models.Succeeded(msgVoDDeleted)
}

// ListVoDs returns a page of VoDs.
func (m *Manager) ListVoDs(ctx context.Context, offset, size int) ([]models.VoD, error) {
	return m.repo.ListVoDs(ctx, offset, size)
}

// TotalVoDs returns the number of stored VoDs.
func (m *Manager) TotalVoDs(ctx context.Context) (int64, error) {
	return m.repo.TotalVoDs(ctx)
}

// fileBase is the stored file name without extension, which also names the
// preview image and the remote objects.
func fileBase(vod models.VoD) string {
	if vod.FilePath == "" {
		return vod.BaseName()
	}
	name := path.Base(filepath.ToSlash(vod.FilePath))
	return strings.TrimSuffix(name, path.Ext(name))
}

func removeIfExists(name string) error {
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// randomDigits returns a decimal string of vodIDDigits random digits.
func randomDigits() (string, error) {
	var b strings.Builder
	b.Grow(vodIDDigits)
	ten := big.NewInt(10)
	for i := 0; i < vodIDDigits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

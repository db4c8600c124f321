package imagestore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/logging"
)

// Store persists raw uploaded images.
type Store interface {
	// SaveCanonical stores the registered image for a user and returns its path.
	SaveCanonical(ctx context.Context, userID string, img Image) (string, error)
	// SaveAttempt stores a one-off image such as a verification attempt.
	SaveAttempt(ctx context.Context, prefix string, img Image) (string, error)
	// Remove deletes an image previously returned by this store.
	Remove(ctx context.Context, path string) error
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// canonicalName maps a user id to a file name that cannot escape the image directory.
// Ids that needed rewriting get a hash suffix so distinct ids never share a file.
func canonicalName(userID string, ext string) string {
	safe := unsafeNameChars.ReplaceAllString(userID, "_")
	if strings.HasPrefix(safe, ".") {
		safe = "_" + strings.TrimLeft(safe, ".")
	}
	if safe != userID {
		sum := sha1.Sum([]byte(userID))
		safe = fmt.Sprintf("%s_%s", safe, hex.EncodeToString(sum[:4]))
	}
	return safe + "." + ext
}

func attemptName(prefix string, now time.Time, ext string) string {
	return fmt.Sprintf("%s_%s_%s.%s", prefix, uuid.NewString(), now.Format("20060102_150405"), ext)
}

// LocalStore writes images under <root>/images.
type LocalStore struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// NewLocalStore creates the image directory under root if needed.
func NewLocalStore(root string, logger *zap.Logger) (*LocalStore, error) {
	dir := filepath.Join(root, "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &LocalStore{dir: dir, logger: logger.Named("image_store"), now: time.Now}, nil
}

// SaveCanonical writes <root>/images/<user>.<ext>, replacing any previous file of that name.
func (s *LocalStore) SaveCanonical(ctx context.Context, userID string, img Image) (string, error) {
	return s.write(filepath.Join(s.dir, canonicalName(userID, img.Ext())), img)
}

// SaveAttempt writes <root>/images/<prefix>_<uuid>_<timestamp>.<ext>.
func (s *LocalStore) SaveAttempt(ctx context.Context, prefix string, img Image) (string, error) {
	return s.write(filepath.Join(s.dir, attemptName(prefix, s.now(), img.Ext())), img)
}

// Remove deletes path if it lives inside the image directory.
func (s *LocalStore) Remove(ctx context.Context, path string) error {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s outside image dir", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return logging.NewOperationError("imagestore.remove", "", err)
	}
	return nil
}

func (s *LocalStore) write(path string, img Image) (string, error) {
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		wrapped := logging.NewOperationError("imagestore.save", "", err)
		s.logger.Error("error saving image", zap.Error(wrapped), zap.String("path", path))
		return "", wrapped
	}
	s.logger.Info("saved image", zap.String("path", path), zap.String("format", img.Format))
	return path, nil
}
